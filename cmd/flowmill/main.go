package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/flowmill/flowmill/internal/config"
	"github.com/flowmill/flowmill/pkg/bpmn"
	"github.com/flowmill/flowmill/pkg/eventbus"
	"github.com/flowmill/flowmill/pkg/scheduler"
	"github.com/flowmill/flowmill/pkg/script/js"
	"github.com/flowmill/flowmill/pkg/storage/inmemory"
	"github.com/flowmill/flowmill/pkg/tasklock"
)

func main() {
	conf := config.InitConfig()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  conf.Name,
		Level: hclog.LevelFromString(conf.Log.Level),
	})

	appContext, ctxCancel := context.WithCancel(context.Background())

	store := inmemory.NewStorage()
	evaluator := js.NewJsRuntime(appContext, conf.Engine.ScriptPoolMax, conf.Engine.ScriptPoolMin)
	locks := tasklock.New(tasklock.WithTTL(conf.Engine.TaskLockTTL))
	bus := eventbus.NewInMemoryBus()

	engine := bpmn.NewEngine(
		bpmn.EngineWithName(conf.Name),
		bpmn.EngineWithStorage(store),
		bpmn.EngineWithEvaluator(evaluator),
		bpmn.EngineWithLockService(locks),
		bpmn.EngineWithEventBus(bus),
		bpmn.EngineWithLogger(logger.Named("engine")),
	)
	deadlines := scheduler.NewDeadlineScheduler(engine.TimerCallback)
	engine.AttachScheduler(deadlines)

	bus.Subscribe(bpmn.TopicTaskCreated, func(payload map[string]any) {
		logger.Info("task created", "taskKey", payload["taskKey"], "elementId", payload["elementId"])
	})
	bus.Subscribe(bpmn.TopicInstanceCompleted, func(payload map[string]any) {
		logger.Info("instance completed", "processInstanceKey", payload["processInstanceKey"])
	})

	logger.Info("engine started", "name", engine.Name())

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	logger.Info("shutting down", "signal", sig.String())

	ctxCancel()
	deadlines.Stop()
}
