package bpmn

import (
	"context"
	"errors"
	"time"

	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

// RegisterProcess compiles and stores a process model. Re-registering the
// same process id yields a new version; instances already running keep the
// definition they started with.
func (engine *Engine) RegisterProcess(ctx context.Context, g *graph.Graph) (runtime.ProcessDefinition, error) {
	version := int32(1)
	if latest, err := engine.persistence.FindLatestProcessDefinitionById(ctx, g.ProcessId); err == nil {
		version = latest.Version + 1
	} else if !errors.Is(err, storage.ErrNotFound) {
		return runtime.ProcessDefinition{}, err
	}

	definition := runtime.ProcessDefinition{
		Id:      g.ProcessId,
		Version: version,
		Key:     engine.generateKey(),
		Graph:   g,
	}
	if err := engine.persistence.SaveProcessDefinition(ctx, definition); err != nil {
		return runtime.ProcessDefinition{}, err
	}
	engine.definitionCache.Add(definition.Key, definition)
	engine.logger.Info("registered process", "processId", definition.Id, "version", definition.Version, "key", definition.Key)
	return definition, nil
}

// CreateInstance creates a process instance without running it.
func (engine *Engine) CreateInstance(ctx context.Context, definitionKey int64, variables map[string]interface{}) (*runtime.ProcessInstance, error) {
	return engine.CreateInstanceAs(ctx, definitionKey, "", variables)
}

// CreateInstanceAs is CreateInstance with the starting actor recorded. The
// starter may later resubmit re-opened tasks of this instance.
func (engine *Engine) CreateInstanceAs(ctx context.Context, definitionKey int64, startedBy string, variables map[string]interface{}) (*runtime.ProcessInstance, error) {
	definition, err := engine.findProcessDefinitionByKey(ctx, definitionKey)
	if err != nil {
		return nil, err
	}
	instance := runtime.ProcessInstance{
		Definition:     &definition,
		DefinitionKey:  definition.Key,
		Key:            engine.generateKey(),
		State:          runtime.InstanceStateRunning,
		VariableHolder: runtime.NewVariableHolder(nil, variables),
		CreatedAt:      time.Now(),
		StartedBy:      startedBy,
	}
	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return nil, err
	}

	// the root execution anchors the token tree
	root := runtime.Execution{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		ElementId:          definition.Graph.ProcessId,
		State:              runtime.TokenStateActive,
		ScopeRoot:          true,
		VariableHolder:     runtime.NewVariableHolder(&instance.VariableHolder, nil),
		CreatedAt:          instance.CreatedAt,
	}
	if err := engine.persistence.SaveExecution(ctx, root); err != nil {
		return nil, err
	}
	engine.logger.Debug("created process instance", "processId", definition.Id, "key", instance.Key)
	return &instance, nil
}

// CreateInstanceById creates an instance of the latest registered version
// of the process.
func (engine *Engine) CreateInstanceById(ctx context.Context, processId string, variables map[string]interface{}) (*runtime.ProcessInstance, error) {
	definition, err := engine.persistence.FindLatestProcessDefinitionById(ctx, processId)
	if err != nil {
		return nil, err
	}
	return engine.CreateInstance(ctx, definition.Key, variables)
}

// CreateAndRunInstance creates an instance and advances it until every
// token rests in a wait state or the instance ends.
func (engine *Engine) CreateAndRunInstance(ctx context.Context, definitionKey int64, variables map[string]interface{}) (*runtime.ProcessInstance, error) {
	instance, err := engine.CreateInstance(ctx, definitionKey, variables)
	if err != nil {
		return nil, err
	}
	return instance, engine.RunInstance(ctx, instance.Key)
}

// CreateAndRunInstanceAs is CreateAndRunInstance with the starting actor
// recorded.
func (engine *Engine) CreateAndRunInstanceAs(ctx context.Context, definitionKey int64, startedBy string, variables map[string]interface{}) (*runtime.ProcessInstance, error) {
	instance, err := engine.CreateInstanceAs(ctx, definitionKey, startedBy, variables)
	if err != nil {
		return nil, err
	}
	return instance, engine.RunInstance(ctx, instance.Key)
}

// RunInstance advances an existing instance from its start events. It is
// the initial trigger; subsequent progress happens through task completion,
// timers and messages.
func (engine *Engine) RunInstance(ctx context.Context, processInstanceKey int64) error {
	return engine.runWithInstance(ctx, processInstanceKey, func(rc *runContext) ([]command, error) {
		root, err := rc.rootExecution()
		if err != nil {
			return nil, err
		}
		if root == nil {
			return nil, newEngineErrorf("instance %d has no root execution", processInstanceKey)
		}
		var cmds []command
		for _, start := range rc.graph().StartEvents() {
			token, err := rc.createChild(root.Key, start.Id)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, activityCommand{executionKey: token.Key})
		}
		if len(cmds) == 0 {
			return nil, newEngineErrorf("process %s has no start event", rc.graph().ProcessId)
		}
		return cmds, nil
	})
}

// TerminateInstance cancels every live token and task of the instance.
// Terminating a completed or already terminated instance is a no-op.
func (engine *Engine) TerminateInstance(ctx context.Context, processInstanceKey int64, reason string) error {
	return engine.runWithInstance(ctx, processInstanceKey, func(rc *runContext) ([]command, error) {
		if rc.instance.State == runtime.InstanceStateCompleted || rc.instance.State == runtime.InstanceStateTerminated {
			return nil, nil
		}
		root, err := rc.rootExecution()
		if err != nil {
			return nil, err
		}
		if root != nil {
			if err := rc.cancelExecution(root, reason); err != nil {
				return nil, err
			}
		}
		for _, node := range rc.graph().Nodes() {
			if node.MultiInstance != nil {
				state, err := rc.miState(node.Id)
				if err != nil {
					return nil, err
				}
				if state != nil {
					rc.deleteMiState(node.Id)
				}
			}
			if node.Kind == graph.NodeKindParallelGateway || node.Kind == graph.NodeKindInclusiveGateway {
				rc.deleteGatewayState(node.Id)
			}
		}
		rc.instance.State = runtime.InstanceStateTerminated
		return nil, nil
	})
}

// ProcessInstance returns the instance with its definition resolved.
func (engine *Engine) ProcessInstance(ctx context.Context, processInstanceKey int64) (*runtime.ProcessInstance, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, err
	}
	definition, err := engine.findProcessDefinitionByKey(ctx, instance.DefinitionKey)
	if err != nil {
		return nil, err
	}
	instance.Definition = &definition
	return &instance, nil
}

// runWithInstance is the common trigger wrapper: serialize on the instance,
// load it, seed the command queue, drain it and flush atomically.
func (engine *Engine) runWithInstance(ctx context.Context, processInstanceKey int64, seed func(rc *runContext) ([]command, error)) error {
	engine.running.acquire(processInstanceKey)
	defer engine.running.release(processInstanceKey)

	instance, err := engine.ProcessInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	rc := engine.newRunContext(ctx, instance)

	cmds, err := seed(rc)
	if err != nil {
		return err
	}
	if err := engine.drainQueue(rc, cmds); err != nil {
		return err
	}
	if err := rc.flush(); err != nil {
		return err
	}
	engine.publishRunEvents(rc)
	return nil
}
