package graph

import "fmt"

// Builder assembles a Graph programmatically. Errors are collected and
// reported once by Build, so call chains stay readable.
type Builder struct {
	graph *Graph
	errs  []error
}

func NewBuilder(processId string) *Builder {
	return &Builder{
		graph: &Graph{
			ProcessId: processId,
			nodes:     map[string]*Node{},
			flows:     map[string]*SequenceFlow{},
		},
	}
}

func (b *Builder) Name(name string) *Builder {
	b.graph.Name = name
	return b
}

// AddNode adds a fully specified node. The convenience methods below cover
// the common kinds.
func (b *Builder) AddNode(node Node) *Builder {
	if _, exists := b.graph.nodes[node.Id]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %s", node.Id))
		return b
	}
	n := node
	b.graph.nodes[n.Id] = &n
	return b
}

func (b *Builder) StartEvent(id string) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindStartEvent})
}

func (b *Builder) EndEvent(id string) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindEndEvent})
}

func (b *Builder) UserTask(id string) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindUserTask})
}

func (b *Builder) AssignedUserTask(id, assignee string) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindUserTask, Assignee: assignee})
}

func (b *Builder) ServiceTask(id, taskType string) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindServiceTask, TaskType: taskType})
}

func (b *Builder) BusinessRuleTask(id, decisionKey, resultName string) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindBusinessRuleTask, DecisionKey: decisionKey, ResultName: resultName})
}

func (b *Builder) ExclusiveGateway(id string) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindExclusiveGateway})
}

func (b *Builder) ParallelGateway(id string) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindParallelGateway})
}

func (b *Builder) InclusiveGateway(id string) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindInclusiveGateway})
}

func (b *Builder) IntermediateCatchEvent(id string, event EventDefinition) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindIntermediateCatch, Event: &event})
}

func (b *Builder) MultiInstanceUserTask(id string, mi MultiInstance) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindUserTask, MultiInstance: &mi})
}

func (b *Builder) MultiInstanceServiceTask(id, taskType string, mi MultiInstance) *Builder {
	return b.AddNode(Node{Id: id, Kind: NodeKindServiceTask, TaskType: taskType, MultiInstance: &mi})
}

// Flow connects two nodes with an unconditional sequence flow. The flow id
// is derived from the endpoints.
func (b *Builder) Flow(sourceId, targetId string) *Builder {
	return b.addFlow(sourceId, targetId, "", false)
}

// ConditionalFlow connects two nodes with a flow guarded by a boolean
// expression.
func (b *Builder) ConditionalFlow(sourceId, targetId, condition string) *Builder {
	return b.addFlow(sourceId, targetId, condition, false)
}

// DefaultFlow connects two nodes and marks the flow as the source node's
// default.
func (b *Builder) DefaultFlow(sourceId, targetId string) *Builder {
	return b.addFlow(sourceId, targetId, "", true)
}

func (b *Builder) addFlow(sourceId, targetId, condition string, isDefault bool) *Builder {
	id := fmt.Sprintf("%s-%s", sourceId, targetId)
	if _, exists := b.graph.flows[id]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate flow %s", id))
		return b
	}
	flow := &SequenceFlow{Id: id, SourceRef: sourceId, TargetRef: targetId, Condition: condition}
	b.graph.flows[id] = flow

	source := b.graph.nodes[sourceId]
	target := b.graph.nodes[targetId]
	if source == nil {
		b.errs = append(b.errs, fmt.Errorf("flow %s: unknown source %s", id, sourceId))
		return b
	}
	if target == nil {
		b.errs = append(b.errs, fmt.Errorf("flow %s: unknown target %s", id, targetId))
		return b
	}
	source.Outgoing = append(source.Outgoing, id)
	target.Incoming = append(target.Incoming, id)
	if isDefault {
		if source.DefaultFlow != "" {
			b.errs = append(b.errs, fmt.Errorf("node %s: more than one default flow", sourceId))
		}
		source.DefaultFlow = id
	}
	return b
}

// Build validates the assembled graph and returns it.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := b.graph.validate(); err != nil {
		return nil, err
	}
	return b.graph, nil
}
