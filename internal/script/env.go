// Package script is the environment a sandboxed script sees: guarded
// filesystem helpers, bridged subagent helpers and captured output. Each
// helper comes in two forms. The XxxStatus form returns a result.Result; the
// plain form unwraps it into (value, error) with an error naming the helper.
package script

import (
	"bytes"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/sandbridge/internal/bridge"
	"github.com/mattjoyce/sandbridge/internal/log"
	"github.com/mattjoyce/sandbridge/internal/workspace"
)

// Binding names read by DispatchContextFrom.
const (
	BindingParentAgentID      = "parent_agent_id"
	BindingAssessmentRequired = "dispatch_assessment_required"
)

// Options configures an Env.
type Options struct {
	Guard *workspace.Guard

	// Channel reaches the subagent manager. Nil disables the bridged helpers.
	Channel       bridge.RequestChannel
	BridgeTimeout time.Duration

	Dispatch bridge.DispatchContext
}

// Env is one script execution's view of the host.
type Env struct {
	guard  *workspace.Guard
	client *bridge.Client
	self   *bridge.SelfAssessor
	logger *slog.Logger

	stderr *capture
}

// NewEnv builds an Env. A nil Guard is replaced by a passthrough guard.
func NewEnv(opts Options) (*Env, error) {
	guard := opts.Guard
	if guard == nil {
		var err error
		if guard, err = workspace.NewGuard(workspace.Options{}); err != nil {
			return nil, err
		}
	}

	e := &Env{
		guard:  guard,
		self:   bridge.NewSelfAssessor(opts.Dispatch),
		logger: log.WithComponent("script"),
		stderr: &capture{},
	}
	e.client = bridge.NewClient(opts.Channel, bridge.ClientOptions{
		Timeout: opts.BridgeTimeout,
		Notices: e.stderr,
	})
	return e, nil
}

// Guard returns the workspace guard.
func (e *Env) Guard() *workspace.Guard { return e.guard }

// Client returns the bridge client.
func (e *Env) Client() *bridge.Client { return e.client }

// SelfAssessor returns the self-assessment recorder.
func (e *Env) SelfAssessor() *bridge.SelfAssessor { return e.self }

// Stderr returns the captured error stream: host notices such as the
// assessment-required reminder land here instead of the process stderr.
func (e *Env) Stderr() string { return e.stderr.String() }

// Ok builds a successful final answer.
func Ok(payload any) map[string]any {
	return map[string]any{"status": "ok", "payload": payload}
}

// Fail builds a failed final answer.
func Fail(reason string) map[string]any {
	return map[string]any{"status": "error", "payload": reason}
}

// DispatchContextFrom reads the dispatch context out of script bindings.
func DispatchContextFrom(bindings map[string]any) bridge.DispatchContext {
	var parent string
	switch v := bindings[BindingParentAgentID].(type) {
	case string:
		parent = strings.TrimSpace(v)
	case []byte:
		parent = strings.TrimSpace(string(v))
	}
	return bridge.DispatchContext{
		ParentAgentID:       parent,
		AssessmentRequested: Truthy(bindings[BindingAssessmentRequired]),
	}
}

// Truthy interprets a context flag: booleans as is, numbers of any kind when
// non-zero, strings 1/true/yes/on in any case. Anything else is false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true
		}
		return false
	case []byte:
		return Truthy(string(t))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	}
	if s, ok := v.(fmt.Stringer); ok {
		return Truthy(s.String())
	}
	return false
}

// ParseTruthy is Truthy for flags that arrive as text, such as environment
// variables. Numeric text is compared against zero.
func ParseTruthy(s string) bool {
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f != 0
	}
	return Truthy(s)
}

type capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
