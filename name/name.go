// Package name implements the interned, hierarchical Name used as the
// identity of every subject in the fabric. Two Names with the same dotted
// path are always the same *Name instance: equality is pointer identity.
package name

import (
	"reflect"
	"strings"
	"sync"

	"github.com/minio/highwayhash"

	"code.hybscloud.com/substrates/errs"
)

// Name is an interned node in a prefix tree. Identity (pointer equality)
// implies path equality; it is created once on first request and retained
// for the process lifetime of the registry.
type Name struct {
	parent  *Name
	segment string
	path    string // full dotted path, cached at construction
}

// Parent returns the enclosing Name, or nil for a root segment.
func (n *Name) Parent() *Name { return n.parent }

// Segment returns this node's own path segment.
func (n *Name) Segment() string { return n.segment }

// Path renders the full dotted path using '.' as separator.
func (n *Name) Path() string { return n.path }

// String renders the Name the same way Path does.
func (n *Name) String() string { return n.path }

// PathWith renders the path using sep as separator, optionally mapping
// each segment through fn (nil means identity).
func (n *Name) PathWith(sep rune, fn func(string) string) string {
	segs := n.segments()
	if fn != nil {
		mapped := make([]string, len(segs))
		for i, s := range segs {
			mapped[i] = fn(s)
		}
		segs = mapped
	}
	return strings.Join(segs, string(sep))
}

func (n *Name) segments() []string {
	var rev []string
	for cur := n; cur != nil; cur = cur.parent {
		rev = append(rev, cur.segment)
	}
	segs := make([]string, len(rev))
	for i, s := range rev {
		segs[len(rev)-1-i] = s
	}
	return segs
}

// Compare orders two Names lexicographically over their segment lists.
func Compare(a, b *Name) int {
	as, bs := a.segments(), b.segments()
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			if as[i] < bs[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}

// hashKey is a fixed 32-byte HighwayHash key. The registry is not an
// adversarial context (paths are program-internal identifiers), so a
// static key is sufficient — it only needs to distribute well, not resist
// deliberate collision attacks.
var hashKey = []byte("0123456789ABCDEF0123456789ABCDEF")

const shardCount = 64

type shard struct {
	mu     sync.RWMutex
	byPath map[string]*Name
}

// shardHash hashes path into a shard index via HighwayHash64.
func shardHash(path string) uint64 {
	h, err := highwayhash.New64(hashKey)
	if err != nil {
		// hashKey is a fixed, valid 32-byte constant; New64 only fails on
		// key length, so this branch is unreachable in practice.
		return 0
	}
	_, _ = h.Write([]byte(path))
	return h.Sum64()
}

// Registry interns dotted Name paths. The zero value is not usable; use
// NewRegistry. A process typically uses the single process-wide registry
// returned by Global.
type Registry struct {
	shards [shardCount]*shard
}

// NewRegistry creates an empty, independently-scoped Name registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{byPath: make(map[string]*Name)}
	}
	return r
}

func (r *Registry) shardFor(path string) *shard {
	return r.shards[shardHash(path)%shardCount]
}

// Parse interns a dotted path, returning the deepest Name node. Rejects
// empty paths, and leading, trailing, or consecutive '.' separators.
func (r *Registry) Parse(path string) (*Name, error) {
	if path == "" {
		return nil, errValidation("empty name path")
	}
	if strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
		return nil, errValidation("malformed name path: " + path)
	}
	segs := strings.Split(path, ".")
	var cur *Name
	var partial strings.Builder
	for i, seg := range segs {
		if seg == "" {
			return nil, errValidation("empty segment in name path: " + path)
		}
		if i > 0 {
			partial.WriteByte('.')
		}
		partial.WriteString(seg)
		cur = r.intern(cur, seg, partial.String())
	}
	return cur, nil
}

// MustParse is Parse but panics on error; intended for static, known-good
// paths (e.g. constants), never for user-supplied input.
func (r *Registry) MustParse(path string) *Name {
	n, err := r.Parse(path)
	if err != nil {
		panic(err)
	}
	return n
}

// Child extends an existing Name by a single non-empty, separator-free
// segment. Used to build enum/class/member/iterable suffixes.
func (r *Registry) Child(parent *Name, segment string) (*Name, error) {
	if segment == "" || strings.Contains(segment, ".") {
		return nil, errValidation("malformed name segment: " + segment)
	}
	path := segment
	if parent != nil {
		path = parent.path + "." + segment
	}
	return r.intern(parent, segment, path), nil
}

func (r *Registry) intern(parent *Name, segment, path string) *Name {
	sh := r.shardFor(path)

	sh.mu.RLock()
	if n, ok := sh.byPath[path]; ok {
		sh.mu.RUnlock()
		return n
	}
	sh.mu.RUnlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if n, ok := sh.byPath[path]; ok {
		return n
	}
	n := &Name{parent: parent, segment: segment, path: path}
	sh.byPath[path] = n
	return n
}

// FromType derives a Name from a type's canonical dotted form: package
// path + simple name. Anonymous or unnamed types fall back to the
// runtime-provided type string.
func (r *Registry) FromType(t reflect.Type) *Name {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	var path string
	if t.Name() != "" && t.PkgPath() != "" {
		path = t.PkgPath() + "." + t.Name()
		path = sanitizeTypePath(path)
	} else {
		path = sanitizeTypePath(t.String())
	}
	n, err := r.Parse(path)
	if err != nil {
		// A malformed runtime type string (e.g. containing characters that
		// collide with the path syntax) still needs a stable identity;
		// fall back to a single opaque segment.
		n, _ = r.Child(nil, sanitizeSegment(path))
	}
	return n
}

func sanitizeTypePath(s string) string {
	s = strings.ReplaceAll(s, "/", ".")
	return s
}

func sanitizeSegment(s string) string {
	replacer := strings.NewReplacer(".", "_", "/", "_", " ", "_")
	return replacer.Replace(s)
}

func errValidation(msg string) error {
	return errs.Wrap(errs.Validation, nil, msg)
}

// global is the process-wide Name registry. Per spec.md §9's "Global
// provider singleton" note, it is initialized once on first use and
// survives for the process lifetime; construction is not repeatable.
var global = sync.OnceValue(NewRegistry)

// Global returns the process-wide Name registry.
func Global() *Registry { return global() }

// Of parses path against the process-wide registry. Convenience wrapper
// around Global().Parse.
func Of(path string) (*Name, error) { return Global().Parse(path) }
