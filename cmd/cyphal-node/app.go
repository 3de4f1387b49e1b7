package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"cyphal/pkg/config"
	"cyphal/pkg/media"
	"cyphal/pkg/media/udploop"
	"cyphal/pkg/media/udpnet"
	"cyphal/pkg/mem"
	"cyphal/pkg/observability"
	"cyphal/pkg/register"
	"cyphal/pkg/register/provider"
	"cyphal/pkg/sched"
	"cyphal/pkg/transport"
	"cyphal/pkg/transport/udp"
)

// heartbeatSubjectID is the fixed subject of uavcan.node.Heartbeat.1.0.
const heartbeatSubjectID = 7509

// heartbeat is the fixed-size wire image of uavcan.node.Heartbeat.1.0:
// uptime seconds, health, mode, vendor-specific status code.
type heartbeat struct {
	uptimeSec uint32
	health    uint8 // 0 nominal
	mode      uint8 // 0 operational
	vssc      uint32
}

func (h heartbeat) marshal() []byte {
	buf := make([]byte, 7)
	binary.LittleEndian.PutUint32(buf[0:4], h.uptimeSec)
	buf[4] = h.health & 3
	buf[5] = h.mode & 7
	buf[6] = byte(h.vssc)
	return buf
}

func runNode(cfgPath string, nodeIDOverride int) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if nodeIDOverride >= 0 {
		cfg.NodeID = nodeIDOverride
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Transport != "udp" {
		return fmt.Errorf("transport %q is not wired in this build", cfg.Transport)
	}

	exec := sched.NewSingleThreaded(nil)
	alloc := mem.NewCounting(nil)

	bus := udploop.NewBus(exec.Now)
	var medias []media.UDPMedia
	for _, name := range cfg.Interfaces {
		if name == "loop" {
			medias = append(medias, bus.Media(alloc))
			continue
		}
		m, err := udpnet.New(name, alloc, exec.Now)
		if err != nil {
			return err
		}
		medias = append(medias, m)
	}

	tr, err := udp.New(alloc, medias, cfg.TxCapacity)
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	tr.SetTransientErrorHandler(func(r *transport.TransientErrorReport) error {
		zap.L().Warn("transient media error",
			zap.Uint8("media", r.MediaIndex),
			zap.String("op", r.Operation),
			zap.Error(r.Failure))
		return nil // keep running on the remaining media
	})

	if cfg.NodeID >= 0 {
		if err := tr.SetLocalNodeID(transport.NodeID(cfg.NodeID)); err != nil {
			return err
		}
	}

	// The registry: node identity plus a couple of live parameters.
	reg := register.New()
	reg.Route("uavcan.node.description", func() register.Value {
		return register.String(cfg.AppName)
	})
	hbPeriod := register.Parameterize[int64](reg, "uavcan.node.heartbeat.period_ms",
		int64(cfg.HeartbeatPeriodMS), register.Options{Persistent: true})
	restoreRegistry(reg, cfg.DataDir)

	var prov *provider.Provider
	if cfg.NodeID >= 0 {
		prov, err = provider.New(tr, reg)
		if err != nil {
			return err
		}
		defer prov.Close()
	} else {
		zap.L().Info("anonymous node: registry provider disabled until a node id is assigned")
	}

	hbTx, err := tr.MakeMessageTxSession(transport.MessageTxParams{SubjectID: heartbeatSubjectID})
	if err != nil {
		return err
	}
	defer func() { _ = hbTx.Close() }()

	// Transport run loop: a self-rescheduling callback.
	const runPeriod = 2 * sched.Millisecond
	var runCb *sched.Callback
	runCb, ok := exec.RegisterCallback(func(now sched.TimePoint) {
		if err := tr.Run(now); err != nil {
			zap.L().Error("transport run failed", zap.Error(err))
		}
		runCb.ScheduleAt(now.Add(runPeriod))
	})
	if !ok {
		return fmt.Errorf("out of memory registering the transport run callback")
	}
	defer runCb.Close()
	runCb.ScheduleAt(exec.Now())

	// Heartbeat publisher.
	start := exec.Now()
	var tid transport.TransferID
	var hbCb *sched.Callback
	hbCb, ok = exec.RegisterCallback(func(now sched.TimePoint) {
		hb := heartbeat{uptimeSec: uint32(now.Sub(start) / sched.Second)}
		err := hbTx.Send(transport.TransferMetadata{
			TransferID: tid,
			Priority:   transport.PriorityNominal,
			Timestamp:  now,
		}, [][]byte{hb.marshal()})
		if err != nil {
			zap.L().Warn("heartbeat not sent", zap.Error(err))
		}
		tid++
		hbCb.ScheduleAt(now.Add(sched.Microsecond(hbPeriod.Value()) * sched.Millisecond))
	})
	if !ok {
		return fmt.Errorf("out of memory registering the heartbeat callback")
	}
	defer hbCb.Close()
	hbCb.ScheduleAt(exec.Now())

	zap.L().Info("node started",
		zap.String("app", cfg.AppName),
		zap.Int("node_id", cfg.NodeID),
		zap.Int("media", len(medias)),
		zap.Int("registers", reg.Size()))

	// Spin until interrupted.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case <-sig:
			zap.L().Info("shutting down")
			snapshotRegistry(reg, cfg.DataDir)
			return nil
		default:
			exec.SpinFor(10 * sched.Millisecond)
		}
	}
}

func snapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "registers.cbor")
}

func restoreRegistry(reg *register.Registry, dataDir string) {
	data, err := os.ReadFile(snapshotPath(dataDir))
	if err != nil {
		return // first boot
	}
	if err := reg.Restore(data); err != nil {
		zap.L().Warn("register snapshot not restored", zap.Error(err))
	}
}

func snapshotRegistry(reg *register.Registry, dataDir string) {
	data, err := reg.Snapshot()
	if err != nil {
		zap.L().Warn("register snapshot failed", zap.Error(err))
		return
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return
	}
	if err := os.WriteFile(snapshotPath(dataDir), data, 0o644); err != nil {
		zap.L().Warn("register snapshot not written", zap.Error(err))
	}
}
