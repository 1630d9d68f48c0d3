package script

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/dop251/goja"
	bolt "go.etcd.io/bbolt"

	"chengine.dev/engine/engineerr"
)

// DefaultTimeout is the default wall-clock budget for one script
// invocation.
const DefaultTimeout = 60 * time.Second

// cacheEntry is what the bbolt-backed compile cache stores: goja programs
// themselves are not serializable, so the persisted cache only remembers
// the source text. Runtime never reads these entries back; a restarted
// process compiles each program again when its channel is deployed.
type cacheEntry struct {
	ChannelID string `json:"channelId"`
	Kind      string `json:"kind"`
	Source    string `json:"source"`
}

// Runtime compiles and executes user scripts in a fresh goja.Runtime per
// invocation, so object prototypes created in one message's scripts can
// never leak into another's. An in-memory compiled-program cache avoids
// reparsing; an optional bbolt-backed source cache survives process
// restarts.
type Runtime struct {
	mu      sync.RWMutex
	compiled map[string]*goja.Program // key: channelID + "/" + kind
	cache   *bolt.DB                  // optional; nil disables persistence
	bucket  string
	timeout time.Duration
}

func NewRuntime(cache *bolt.DB) *Runtime {
	r := &Runtime{
		compiled: make(map[string]*goja.Program),
		cache:    cache,
		bucket:   "script_cache",
		timeout:  DefaultTimeout,
	}
	if cache != nil {
		cache.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(r.bucket))
			return err
		})
	}
	return r
}

func cacheKey(channelID string, kind Kind) string {
	return channelID + "/" + string(kind)
}

// Compile parses and caches a script's source under (channelID, kind). It
// is idempotent: recompiling identical source is a no-op beyond the parse.
func (r *Runtime) Compile(channelID string, kind Kind, source string) error {
	prog, err := goja.Compile(cacheKey(channelID, kind), source, false)
	if err != nil {
		return engineerr.Script("script.Compile", "compile failed", err)
	}
	key := cacheKey(channelID, kind)
	r.mu.Lock()
	r.compiled[key] = prog
	r.mu.Unlock()

	if r.cache != nil {
		entry := cacheEntry{ChannelID: channelID, Kind: string(kind), Source: source}
		data, _ := json.Marshal(entry)
		r.cache.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(r.bucket)).Put([]byte(key), data)
		})
	}
	return nil
}

// Invalidate drops every cached program for a channel, called on undeploy.
func (r *Runtime) Invalidate(channelID string) {
	r.mu.Lock()
	for key := range r.compiled {
		if hasPrefix(key, channelID+"/") {
			delete(r.compiled, key)
		}
	}
	r.mu.Unlock()

	if r.cache != nil {
		r.cache.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(r.bucket))
			c := b.Cursor()
			prefix := []byte(channelID + "/")
			for k, _ := c.Seek(prefix); k != nil && hasBytePrefix(k, prefix); k, _ = c.Next() {
				b.Delete(k)
			}
			return nil
		})
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func hasBytePrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Run executes the compiled program for (channelID, kind) against scope,
// with a fresh goja.Runtime instance, honoring the wall-clock timeout.
// Returns the ReadBack values the caller should write back into the
// ConnectorMessage/Response.
func (r *Runtime) Run(ctx context.Context, channelID string, kind Kind, scope *Scope) (*ReadBack, error) {
	r.mu.RLock()
	prog, ok := r.compiled[cacheKey(channelID, kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, engineerr.Script("script.Run", "no compiled program for "+cacheKey(channelID, kind), nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		rb  *ReadBack
		err error
	}
	done := make(chan result, 1)
	vm := goja.New()
	seedScope(vm, scope)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{nil, engineerr.Script("script.Run", fmt.Sprintf("panic: %v", rec), nil)}
			}
		}()
		val, err := vm.RunProgram(prog)
		if err != nil {
			done <- result{nil, engineerr.Script("script.Run", "execution failed", err)}
			return
		}
		rb := readBack(vm)
		if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
			rb.FilterPassed = val.ToBoolean()
		}
		done <- result{rb, nil}
	}()

	select {
	case res := <-done:
		return res.rb, res.err
	case <-runCtx.Done():
		vm.Interrupt("timeout")
		return nil, engineerr.Timeout("script.Run", "script exceeded wall-clock timeout")
	}
}

func seedScope(vm *goja.Runtime, s *Scope) {
	vm.Set("channelId", s.ChannelID)
	vm.Set("channelName", s.ChannelName)
	vm.Set("globalMap", s.GlobalMap)
	vm.Set("globalChannelMap", s.GlobalChannelMap)
	vm.Set("sourceMap", s.SourceMap)
	vm.Set("connectorMap", s.ConnectorMap)
	vm.Set("channelMap", s.ChannelMap)
	vm.Set("responseMap", s.ResponseMap)
	vm.Set("msg", s.Msg)
	vm.Set("tmp", s.Tmp)
	vm.Set("template", s.Template)
	vm.Set("phase", s.Phase)
	vm.Set("responseStatus", s.ResponseStatus)
	vm.Set("responseStatusMessage", s.ResponseStatusMessage)
	vm.Set("responseErrorMessage", s.ResponseErrorMessage)
}

func readBack(vm *goja.Runtime) *ReadBack {
	get := func(name string) string {
		v := vm.Get(name)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return ""
		}
		return v.String()
	}
	return &ReadBack{
		Msg:                   get("msg"),
		Tmp:                   get("tmp"),
		ResponseStatus:        get("responseStatus"),
		ResponseStatusMessage: get("responseStatusMessage"),
		ResponseErrorMessage:  get("responseErrorMessage"),
	}
}

// fieldExprPattern rejects code-injection vectors in rule-builder field
// expressions.
var fieldExprPattern = regexp.MustCompile(`[;{}]|//|/\*|\n|\r`)

// ValidateFieldExpression rejects expressions containing injection vectors
// and empty expressions.
func ValidateFieldExpression(expr string) error {
	if expr == "" {
		return engineerr.Validation("script.ValidateFieldExpression", "empty expression")
	}
	if fieldExprPattern.MatchString(expr) {
		return engineerr.Validation("script.ValidateFieldExpression", "expression contains a disallowed token")
	}
	return nil
}
