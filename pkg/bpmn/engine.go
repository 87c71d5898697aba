package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
	"github.com/flowmill/flowmill/pkg/eventbus"
	"github.com/flowmill/flowmill/pkg/scheduler"
	"github.com/flowmill/flowmill/pkg/script"
	"github.com/flowmill/flowmill/pkg/storage"
	"github.com/flowmill/flowmill/pkg/tasklock"
)

// DecisionEvaluator is the external DMN collaborator for business-rule
// nodes. Hit-policy semantics are owned by the implementation: UNIQUE and
// PRIORITY return a single result object, COLLECT returns it under a list
// key.
type DecisionEvaluator interface {
	Evaluate(decisionKey string, inputs map[string]interface{}) (map[string]interface{}, error)
}

type Engine struct {
	name            string
	persistence     storage.Storage
	evaluator       script.Evaluator
	decisions       DecisionEvaluator
	scheduler       scheduler.Scheduler
	bus             eventbus.Bus
	locks           *tasklock.Service
	taskHandlers    []*taskHandler
	snowflake       *snowflake.Node
	logger          hclog.Logger
	definitionCache *expirable.LRU[int64, runtime.ProcessDefinition]
	running         *runningInstances
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the process engine. A storage and an
// evaluator are required for anything useful; the lock service defaults to
// an in-process one.
func NewEngine(options ...EngineOption) *Engine {
	name := fmt.Sprintf("flowmill-engine-%d", getGlobalSnowflakeIdGenerator().Generate().Int64())
	engine := Engine{
		name:            name,
		taskHandlers:    []*taskHandler{},
		snowflake:       getGlobalSnowflakeIdGenerator(),
		logger:          hclog.Default().Named("engine"),
		locks:           tasklock.New(),
		definitionCache: expirable.NewLRU[int64, runtime.ProcessDefinition](128, nil, 10*time.Minute),
		running:         newRunningInstances(),
	}

	for _, option := range options {
		option(&engine)
	}

	if engine.bus != nil {
		engine.attachBus()
	}

	return &engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) { engine.persistence = persistence }
}

func EngineWithEvaluator(evaluator script.Evaluator) EngineOption {
	return func(engine *Engine) { engine.evaluator = evaluator }
}

func EngineWithDecisionEvaluator(decisions DecisionEvaluator) EngineOption {
	return func(engine *Engine) { engine.decisions = decisions }
}

func EngineWithScheduler(s scheduler.Scheduler) EngineOption {
	return func(engine *Engine) { engine.scheduler = s }
}

func EngineWithEventBus(bus eventbus.Bus) EngineOption {
	return func(engine *Engine) { engine.bus = bus }
}

func EngineWithLockService(locks *tasklock.Service) EngineOption {
	return func(engine *Engine) { engine.locks = locks }
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) { engine.name = name }
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) { engine.logger = logger }
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

// LockService exposes the task lock service, e.g. for administrative
// force-release of a stuck lease.
func (engine *Engine) LockService() *tasklock.Service {
	return engine.locks
}

func (engine *Engine) findProcessDefinitionByKey(ctx context.Context, definitionKey int64) (runtime.ProcessDefinition, error) {
	if def, ok := engine.definitionCache.Get(definitionKey); ok {
		return def, nil
	}
	def, err := engine.persistence.FindProcessDefinitionByKey(ctx, definitionKey)
	if err != nil {
		return def, err
	}
	engine.definitionCache.Add(definitionKey, def)
	return def, nil
}

// drainQueue is the main loop: commands are taken from the front, handled,
// and may enqueue follow-up commands, until the queue is empty or a command
// fails. Failure aborts the whole run; nothing reaches storage because the
// run context is flushed only by the caller on success.
func (engine *Engine) drainQueue(rc *runContext, commandQueue []command) error {
	for len(commandQueue) > 0 {
		cmd := commandQueue[0]
		commandQueue = commandQueue[1:]

		switch tCmd := cmd.(type) {
		case flowTransitionCommand:
			nextCommands, err := engine.handleFlowTransition(rc, tCmd)
			if err != nil {
				return errors.Join(newEngineErrorf("failed to handle transition over flow %s", tCmd.sequenceFlowId), err)
			}
			commandQueue = append(commandQueue, nextCommands...)
		case activityCommand:
			nextCommands, err := engine.handleActivity(rc, tCmd)
			if err != nil {
				return errors.Join(newEngineErrorf("failed to handle activity for execution %d", tCmd.executionKey), err)
			}
			commandQueue = append(commandQueue, nextCommands...)
		case errorCommand:
			return tCmd.err
		default:
			panic("[invariant check] command type check not fully implemented")
		}
	}
	return nil
}

// handleFlowTransition creates a fresh token at the flow's target node and
// queues its activity.
func (engine *Engine) handleFlowTransition(rc *runContext, cmd flowTransitionCommand) ([]command, error) {
	flow := rc.graph().Flow(cmd.sequenceFlowId)
	if flow == nil {
		return nil, newEngineErrorf("unknown sequence flow %s", cmd.sequenceFlowId)
	}
	token, err := rc.createChild(cmd.scopeParentKey, flow.TargetRef)
	if err != nil {
		return nil, err
	}
	token.JoinGroupId = cmd.joinGroupId
	return []command{activityCommand{
		executionKey:  token.Key,
		arrivedFlowId: flow.Id,
	}}, nil
}

// handleActivity resolves the node the token sits on and dispatches on its
// kind. The node-kind enum is closed; an unknown kind is an invariant
// violation, not an error.
func (engine *Engine) handleActivity(rc *runContext, cmd activityCommand) ([]command, error) {
	token, err := rc.execution(cmd.executionKey)
	if err != nil {
		return nil, err
	}
	node := rc.graph().Node(token.ElementId)
	if node == nil {
		return nil, newEngineErrorf("unknown element %s in process %s", token.ElementId, rc.graph().ProcessId)
	}

	// multi-instance wrapping takes precedence over the inner kind
	if node.MultiInstance != nil && !cmd.miSibling {
		return engine.activateMultiInstance(rc, token, node)
	}

	switch node.Kind {
	case graph.NodeKindStartEvent:
		rc.completeExecution(token)
		return engine.createNextCommands(rc, token, node)
	case graph.NodeKindEndEvent:
		rc.completeExecution(token)
		return nil, engine.handleEndEvent(rc)
	case graph.NodeKindUserTask:
		return engine.handleUserTask(rc, token, node)
	case graph.NodeKindServiceTask:
		return engine.handleServiceTask(rc, token, node)
	case graph.NodeKindBusinessRuleTask:
		return engine.handleBusinessRuleTask(rc, token, node)
	case graph.NodeKindExclusiveGateway:
		return engine.handleExclusiveGateway(rc, token, node)
	case graph.NodeKindParallelGateway:
		return engine.handleParallelGateway(rc, token, node, cmd.arrivedFlowId)
	case graph.NodeKindInclusiveGateway:
		return engine.handleInclusiveGateway(rc, token, node, cmd.arrivedFlowId)
	case graph.NodeKindIntermediateCatch:
		return engine.handleIntermediateCatchEvent(rc, token, node)
	default:
		panic(fmt.Sprintf("[invariant check] unsupported element: id=%s, kind=%s", node.Id, node.Kind))
	}
}

// createNextCommands produces flow transitions for the completed token. For
// non-gateway nodes every outgoing flow is taken (implicit fork).
func (engine *Engine) createNextCommands(rc *runContext, token *runtime.Execution, node *graph.Node) ([]command, error) {
	flows := rc.graph().OutgoingFlows(node)
	cmds := make([]command, 0, len(flows))
	for _, flow := range flows {
		cmds = append(cmds, flowTransitionCommand{
			sourceNodeId:   node.Id,
			sequenceFlowId: flow.Id,
			scopeParentKey: token.ParentKey,
			joinGroupId:    token.JoinGroupId,
		})
	}
	return cmds, nil
}

// handleEndEvent completes the instance once no live token remains.
func (engine *Engine) handleEndEvent(rc *runContext) error {
	live, err := rc.liveTokenCount()
	if err != nil {
		return err
	}
	if live > 0 {
		return nil
	}
	if root, err := rc.rootExecution(); err == nil && root != nil {
		rc.completeExecution(root)
	}
	rc.instance.State = runtime.InstanceStateCompleted
	return nil
}
