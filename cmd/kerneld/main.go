// Command kerneld is the long-running agent process that drives the pure
// controller core at a fixed tick rate, persists its ledger/envelope state,
// exposes Prometheus metrics, and accepts operator overrides over a Unix
// socket: flag-parsed config path, zap logger, signal-driven shutdown, and a
// metrics server goroutine running alongside the tick loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rfsn/kernel/internal/actuator"
	"github.com/rfsn/kernel/internal/aggregator"
	"github.com/rfsn/kernel/internal/config"
	"github.com/rfsn/kernel/internal/controller"
	"github.com/rfsn/kernel/internal/envelope"
	"github.com/rfsn/kernel/internal/gate"
	"github.com/rfsn/kernel/internal/ingest"
	"github.com/rfsn/kernel/internal/injector"
	"github.com/rfsn/kernel/internal/kernelmodel"
	"github.com/rfsn/kernel/internal/ledger"
	"github.com/rfsn/kernel/internal/observability"
	"github.com/rfsn/kernel/internal/operator"
	"github.com/rfsn/kernel/internal/storage"
	"github.com/rfsn/kernel/internal/throttle"
	"github.com/rfsn/kernel/internal/trace"
)

func main() {
	configPath := flag.String("config", "/etc/kerneld/config.yaml", "path to kerneld YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("kerneld exited with error", zap.Error(err))
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("storage.Open: %w", err)
	}
	defer db.Close()

	envs, err := db.LoadEnvelopes()
	if err != nil {
		return fmt.Errorf("LoadEnvelopes: %w", err)
	}
	if len(envs) == 0 {
		envs = envelope.DefaultEnvelopes()
		for _, e := range envs {
			if err := db.PutEnvelope(e); err != nil {
				return fmt.Errorf("seed PutEnvelope(%s): %w", e.Name, err)
			}
		}
	}
	catalog := envelope.NewCatalog(envs)
	activeEnv, ok := catalog.Resolve(cfg.Controller.DefaultEnvelope)
	if !ok {
		return fmt.Errorf("default_envelope %q not found in catalog (have: %v)", cfg.Controller.DefaultEnvelope, catalog.Names())
	}

	ledgerState, err := db.GetLedgerState()
	if err != nil {
		return fmt.Errorf("GetLedgerState: %w", err)
	}
	lg := ledger.Restore(ledgerState.LastSeq, ledgerState.SeenActionIDs)

	metrics := observability.NewMetrics()
	metrics.StorageLedgerSeq.Set(float64(lg.LastSeq()))
	metricsCtx, cancelMetrics := context.WithCancel(ctx)
	defer cancelMetrics()
	go func() {
		if err := metrics.ServeMetrics(metricsCtx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	bucket := throttle.New(cfg.Throttle.Capacity, cfg.Throttle.RefillPeriod)
	defer bucket.Close()

	rawSpaceDOFs := make(map[kernelmodel.ControlSpace][]int, len(cfg.Controller.SpaceDOFs))
	for space, dofs := range cfg.Controller.SpaceDOFs {
		rawSpaceDOFs[kernelmodel.ControlSpace(space)] = dofs
	}
	spaceDOFs, err := actuator.NewSpaceDOFs(rawSpaceDOFs)
	if err != nil {
		return fmt.Errorf("controller.space_dofs: %w", err)
	}
	holdPolicy := actuator.DefaultHoldPolicy()

	injectorCfg := injector.DefaultConfig()
	injectorCfg.DampingGain = cfg.Controller.InjectorDampingGain

	ctrl := controller.New()

	enabledSkills := make(map[string]bool, len(cfg.Controller.EnabledSkills))
	for _, s := range cfg.Controller.EnabledSkills {
		enabledSkills[s] = true
	}

	// actionsCh receives control-plane Actions from whatever submission
	// transport the deployment wires up (gRPC endpoint, CLI, planner
	// process); this loop owns admission, not transport. Lease issuance is
	// the same kind of external seam: ctrl.InstallLease is called by
	// whatever capability-issuing service a deployment wires up, not by
	// this loop, so until one is attached every tick here correctly reports
	// "No active lease" (see cmd/kernel-sim for a harness that installs one).
	actionsCh := make(chan kernelmodel.Action, 16)
	latestSnapshot := make(chan kernelmodel.StateSnapshot, 1)

	if cfg.Operator.Enabled {
		opServer := operator.NewServer(cfg.Operator.SocketPath, ctrl, log)
		go func() {
			if err := opServer.ListenAndServe(ctx); err != nil {
				log.Error("operator server stopped", zap.Error(err))
			}
		}()
	}

	collector := ingest.NewCollector()

	log.Info("kerneld started",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.Int("tick_hz", cfg.Controller.TickHz),
		zap.String("envelope", activeEnv.Name),
	)

	ticker := time.NewTicker(time.Second / time.Duration(cfg.Controller.TickHz))
	defer ticker.Stop()

	var currentSnapshot kernelmodel.StateSnapshot
	nowT := 0.0
	for {
		select {
		case <-ctx.Done():
			log.Info("kerneld shutting down")
			return db.PutLedgerState(storage.LedgerState{LastSeq: lg.LastSeq(), SeenActionIDs: lg.SeenActionIDs()})

		case s := <-latestSnapshot:
			currentSnapshot = s

		case action := <-actionsCh:
			applyAction(action, currentSnapshot, activeEnv, lg, ctrl, bucket, enabledSkills, db, metrics, log)

		case <-ticker.C:
			nowT += 1.0 / float64(cfg.Controller.TickHz)
			start := time.Now()
			snap := collector.Drain()

			event := aggregator.Aggregate(snap.Events)
			metrics.SafetyEventLevel.Set(float64(event.Level))
			if err := db.AppendTrace(trace.Record{T: nowT, Tag: trace.TagMonitor, Payload: map[string]any{
				"level": event.Level.String(), "reason": event.Reason,
			}}); err != nil {
				log.Warn("trace append failed", zap.Error(err))
			}

			safetyCmds := injector.Inject(event, rawSpaceDOFs, injectorCfg, currentSnapshot.JointsQd.Value)
			proposals := append(safetyCmds, snap.Proposals...)

			out := ctrl.Step(nowT, proposals)
			metrics.TickLatency.Observe(time.Since(start).Seconds())

			payload := map[string]any{"ok": out.OK, "reason": out.Reason}

			if out.OK {
				metrics.TicksTotal.WithLabelValues("ok").Inc()

				result := actuator.Build(out.FinalBySpace, currentSnapshot.JointsQ.Value, cfg.Controller.DOFCount, spaceDOFs, holdPolicy, cfg.Controller.AllowSafetyTorqueStop)
				payload["actuator_ok"] = result.OK
				if result.OK {
					// ActuatorTargets hand off to the deployment's actuator
					// transport; this loop's job ends at producing them.
					payload["q_des"] = result.Targets.QDes
					payload["qd_des"] = result.Targets.QdDes
					payload["tau_des"] = result.Targets.TauDes
				} else {
					payload["actuator_reason"] = result.Reason
					log.Warn("actuator build rejected", zap.String("reason", result.Reason))
				}
			} else {
				metrics.TicksTotal.WithLabelValues("reject").Inc()
				log.Debug("tick rejected", zap.String("reason", out.Reason))
			}

			if err := db.AppendTrace(trace.Record{
				T:       nowT,
				Tag:     trace.TagController,
				Payload: payload,
			}); err != nil {
				log.Warn("trace append failed", zap.Error(err))
			}
		}
	}
}

// applyAction runs one control-plane Action through the throttle, the Gate,
// and (if admitted) the ledger, recording the outcome as a trace entry. An
// admitted EMERGENCY_STOP latches the controller's own e-stop flag: the Gate
// and ledger only decide whether the action is admissible, they do not
// themselves mutate ControllerState.
func applyAction(
	action kernelmodel.Action,
	snapshot kernelmodel.StateSnapshot,
	env kernelmodel.Envelope,
	lg *ledger.Ledger,
	ctrl *controller.ControllerState,
	bucket *throttle.Bucket,
	enabledSkills map[string]bool,
	db *storage.DB,
	metrics *observability.Metrics,
	log *zap.Logger,
) {
	if !bucket.ConsumeForAction(action.Kind) {
		metrics.ThrottleRejectedTotal.Inc()
		log.Warn("action throttled", zap.String("kind", string(action.Kind)))
		return
	}

	decision := gate.Evaluate(snapshot, action, env, lg, enabledSkills)
	metrics.GateDecisionsTotal.WithLabelValues(string(decision.RejectCode)).Inc()

	if decision.OK {
		if err := lg.Apply(action); err != nil {
			log.Error("ledger apply failed after Gate accept", zap.Error(err))
		}
		if action.Kind == kernelmodel.ActionEmergencyStop {
			ctrl.ApplyEstop()
			metrics.EstopTotal.Inc()
			log.Warn("EMERGENCY_STOP applied")
			if err := db.AppendTrace(trace.Record{T: snapshot.TKernel, Tag: trace.TagEstop, Payload: map[string]any{
				"action_id": action.ActionID,
			}}); err != nil {
				log.Warn("trace append failed", zap.Error(err))
			}
		}
	} else {
		log.Info("action rejected", zap.String("kind", string(action.Kind)), zap.String("code", string(decision.RejectCode)), zap.String("reason", decision.Reason))
	}

	if err := db.AppendTrace(trace.Record{
		T:   snapshot.TKernel,
		Tag: trace.TagProposals,
		Payload: map[string]any{
			"action_kind": string(action.Kind),
			"ok":          decision.OK,
			"reject_code": string(decision.RejectCode),
		},
	}); err != nil {
		log.Warn("trace append failed", zap.Error(err))
	}
}
