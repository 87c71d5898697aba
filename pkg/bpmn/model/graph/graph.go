// Package graph holds the compiled, immutable form of a process model.
// The engine never walks raw model sources; it walks this graph.
package graph

import (
	"fmt"
)

// NodeKind enumerates the element kinds the engine can execute. The enum is
// closed: a graph containing anything else fails validation at build time.
type NodeKind string

const (
	NodeKindStartEvent        NodeKind = "START_EVENT"
	NodeKindEndEvent          NodeKind = "END_EVENT"
	NodeKindUserTask          NodeKind = "USER_TASK"
	NodeKindServiceTask       NodeKind = "SERVICE_TASK"
	NodeKindBusinessRuleTask  NodeKind = "BUSINESS_RULE_TASK"
	NodeKindExclusiveGateway  NodeKind = "EXCLUSIVE_GATEWAY"
	NodeKindParallelGateway   NodeKind = "PARALLEL_GATEWAY"
	NodeKindInclusiveGateway  NodeKind = "INCLUSIVE_GATEWAY"
	NodeKindIntermediateCatch NodeKind = "INTERMEDIATE_CATCH_EVENT"
)

// EventKind classifies intermediate catch events.
type EventKind string

const (
	EventKindTimer   EventKind = "TIMER"
	EventKindMessage EventKind = "MESSAGE"
	EventKindSignal  EventKind = "SIGNAL"
)

// RejectStrategy selects what happens to the sibling instances of a
// multi-instance activity when one of them is rejected.
type RejectStrategy string

const (
	// RejectStrategyAllBack cancels every sibling and moves one token to the
	// reject target.
	RejectStrategyAllBack RejectStrategy = "ALL_BACK"
	// RejectStrategyOnlyCurrent sends only the rejecting instance back, the
	// rest keep running.
	RejectStrategyOnlyCurrent RejectStrategy = "ONLY_CURRENT"
	// RejectStrategyMajorityBack behaves like ALL_BACK once rejections reach
	// a strict majority of instances, like ONLY_CURRENT before that.
	RejectStrategyMajorityBack RejectStrategy = "MAJORITY_BACK"
	// RejectStrategyKeepCompleted cancels the still active siblings but keeps
	// completed results, then moves back.
	RejectStrategyKeepCompleted RejectStrategy = "KEEP_COMPLETED"
	// RejectStrategyResetAll cancels everything including completed results;
	// re-activation starts the activity from scratch.
	RejectStrategyResetAll RejectStrategy = "RESET_ALL"
	// RejectStrategyWaitCompletion defers the move-back until every sibling
	// reached a terminal state.
	RejectStrategyWaitCompletion RejectStrategy = "WAIT_COMPLETION"
	// RejectStrategyImmediate cancels every non-terminal sibling and moves
	// back without waiting for anything.
	RejectStrategyImmediate RejectStrategy = "IMMEDIATE"
)

// SequenceFlow connects two nodes. A flow with a Condition is taken only
// when the condition evaluates to true; gateways decide how conditions and
// defaults interact.
type SequenceFlow struct {
	Id        string
	Name      string
	SourceRef string
	TargetRef string
	Condition string
}

// MultiInstance configures the loop characteristics of an activity. Either
// CollectionExpression or Cardinality must be set; both set is invalid.
type MultiInstance struct {
	Sequential           bool
	CollectionExpression string
	Cardinality          string
	ElementVariable      string
	OutputCollection     string
	OutputElement        string
	CompletionCondition  string
	RejectStrategy       RejectStrategy
}

// EventDefinition describes what an intermediate catch event waits for.
type EventDefinition struct {
	Kind     EventKind
	Duration string // timer: ISO-like duration or expression
	Name     string // message/signal: topic to correlate on
}

// Node is one executable element of the graph.
type Node struct {
	Id            string
	Name          string
	Kind          NodeKind
	Incoming      []string
	Outgoing      []string
	DefaultFlow   string
	MultiInstance *MultiInstance
	Event         *EventDefinition
	TaskType      string // service task: handler topic
	DecisionKey   string // business rule task
	ResultName    string // business rule task: variable for the decision result
	Assignee      string
	FormKey       string
}

// Graph is the compiled process model. It is immutable after Build and safe
// for concurrent readers.
type Graph struct {
	ProcessId string
	Name      string

	nodes map[string]*Node
	flows map[string]*SequenceFlow
}

// Node returns the node with the given id, nil when absent.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Flow returns the sequence flow with the given id, nil when absent.
func (g *Graph) Flow(id string) *SequenceFlow {
	return g.flows[id]
}

// Nodes returns every node, in unspecified order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// StartEvents returns the start event nodes of the process.
func (g *Graph) StartEvents() []*Node {
	var starts []*Node
	for _, n := range g.nodes {
		if n.Kind == NodeKindStartEvent {
			starts = append(starts, n)
		}
	}
	return starts
}

// OutgoingFlows returns the node's outgoing flows in declaration order.
func (g *Graph) OutgoingFlows(n *Node) []*SequenceFlow {
	flows := make([]*SequenceFlow, 0, len(n.Outgoing))
	for _, id := range n.Outgoing {
		flows = append(flows, g.flows[id])
	}
	return flows
}

// IncomingFlows returns the node's incoming flows in declaration order.
func (g *Graph) IncomingFlows(n *Node) []*SequenceFlow {
	flows := make([]*SequenceFlow, 0, len(n.Incoming))
	for _, id := range n.Incoming {
		flows = append(flows, g.flows[id])
	}
	return flows
}

// DefaultFlow returns the node's default flow, nil when none is declared.
func (g *Graph) DefaultFlow(n *Node) *SequenceFlow {
	if n.DefaultFlow == "" {
		return nil
	}
	return g.flows[n.DefaultFlow]
}

// IsReachableBackward reports whether fromNodeId can be reached by walking
// sequence flows backward starting at startNodeId. Used to check that a
// reject target actually lies upstream of the rejecting activity.
func (g *Graph) IsReachableBackward(startNodeId, fromNodeId string) bool {
	if startNodeId == fromNodeId {
		return true
	}
	visited := map[string]bool{startNodeId: true}
	queue := []string{startNodeId}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		node := g.nodes[current]
		if node == nil {
			continue
		}
		for _, flowId := range node.Incoming {
			flow := g.flows[flowId]
			if flow == nil || visited[flow.SourceRef] {
				continue
			}
			if flow.SourceRef == fromNodeId {
				return true
			}
			visited[flow.SourceRef] = true
			queue = append(queue, flow.SourceRef)
		}
	}
	return false
}

func (g *Graph) validate() error {
	if g.ProcessId == "" {
		return fmt.Errorf("process id must not be empty")
	}
	starts := 0
	for _, n := range g.nodes {
		switch n.Kind {
		case NodeKindStartEvent:
			starts++
		case NodeKindEndEvent, NodeKindUserTask, NodeKindServiceTask, NodeKindBusinessRuleTask,
			NodeKindExclusiveGateway, NodeKindParallelGateway, NodeKindInclusiveGateway,
			NodeKindIntermediateCatch:
		default:
			return fmt.Errorf("node %s: unsupported kind %s", n.Id, n.Kind)
		}
		if n.DefaultFlow != "" {
			flow := g.flows[n.DefaultFlow]
			if flow == nil || flow.SourceRef != n.Id {
				return fmt.Errorf("node %s: default flow %s is not one of its outgoing flows", n.Id, n.DefaultFlow)
			}
		}
		if n.MultiInstance != nil {
			mi := n.MultiInstance
			if mi.CollectionExpression == "" && mi.Cardinality == "" {
				return fmt.Errorf("node %s: multi-instance needs a collection or a cardinality", n.Id)
			}
			if mi.CollectionExpression != "" && mi.Cardinality != "" {
				return fmt.Errorf("node %s: multi-instance collection and cardinality are mutually exclusive", n.Id)
			}
		}
		if n.Kind == NodeKindIntermediateCatch && n.Event == nil {
			return fmt.Errorf("node %s: intermediate catch event without event definition", n.Id)
		}
	}
	if starts == 0 {
		return fmt.Errorf("process %s: no start event", g.ProcessId)
	}
	for _, f := range g.flows {
		if g.nodes[f.SourceRef] == nil {
			return fmt.Errorf("flow %s: unknown source %s", f.Id, f.SourceRef)
		}
		if g.nodes[f.TargetRef] == nil {
			return fmt.Errorf("flow %s: unknown target %s", f.Id, f.TargetRef)
		}
	}
	return nil
}
