package schema

// NodeKind identifies the command variant a blueprint node builds.
type NodeKind string

const (
	KindLeaf        NodeKind = "leaf"
	KindSequential  NodeKind = "sequential"
	KindParallel    NodeKind = "parallel"
	KindConditional NodeKind = "conditional"
	KindCyclic      NodeKind = "cyclic"
	KindForEach     NodeKind = "foreach"
	KindWhile       NodeKind = "while"
	KindAbortable   NodeKind = "abortable"
	KindRetry       NodeKind = "retry"
	KindRecoverable NodeKind = "recoverable"
	KindTryFinally  NodeKind = "try_finally"
)

// NodeKinds lists every kind a blueprint may use.
var NodeKinds = []NodeKind{
	KindLeaf, KindSequential, KindParallel, KindConditional, KindCyclic,
	KindForEach, KindWhile, KindAbortable, KindRetry, KindRecoverable, KindTryFinally,
}

// Blueprint is a declarative command tree loaded from YAML or JSON.
type Blueprint struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Variables   map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Root        NodeDef        `json:"root" yaml:"root"`
}

// PredicateDef is an expression evaluated against the tree variables.
type PredicateDef struct {
	Engine     string `json:"engine,omitempty" yaml:"engine,omitempty"`
	Expression string `json:"expression" yaml:"expression"`
}

// NodeDef describes one command of a blueprint. Which fields apply depends
// on Kind.
type NodeDef struct {
	Kind NodeKind `json:"kind" yaml:"kind"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`

	// leaf
	Action string         `json:"action,omitempty" yaml:"action,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Output string         `json:"output,omitempty" yaml:"output,omitempty"`

	// sequential, parallel
	Children []NodeDef `json:"children,omitempty" yaml:"children,omitempty"`

	// conditional, while
	Predicate *PredicateDef `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Then      *NodeDef      `json:"then,omitempty" yaml:"then,omitempty"`
	Else      *NodeDef      `json:"else,omitempty" yaml:"else,omitempty"`
	Init      *NodeDef      `json:"init,omitempty" yaml:"init,omitempty"`

	// cyclic, foreach, while, abortable, retry
	Body   *NodeDef `json:"body,omitempty" yaml:"body,omitempty"`
	Repeat int      `json:"repeat,omitempty" yaml:"repeat,omitempty"`
	Items  []any    `json:"items,omitempty" yaml:"items,omitempty"`

	// abortable: a leaf run synchronously when the node is aborted
	OnAbort *NodeDef `json:"on_abort,omitempty" yaml:"on_abort,omitempty"`

	// retry
	MaxAttempts int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Delay       string `json:"delay,omitempty" yaml:"delay,omitempty"`

	// recoverable, try_finally
	Core     *NodeDef `json:"core,omitempty" yaml:"core,omitempty"`
	Recovery *NodeDef `json:"recovery,omitempty" yaml:"recovery,omitempty"`
	Finally  *NodeDef `json:"finally,omitempty" yaml:"finally,omitempty"`
}

// DisplayName returns the node name or its kind when unnamed.
func (n *NodeDef) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return string(n.Kind)
}
