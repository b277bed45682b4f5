package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/OCAP2/locsync/internal/config"
	"github.com/OCAP2/locsync/internal/geo"
	"github.com/OCAP2/locsync/internal/icon"
	"github.com/OCAP2/locsync/internal/influx"
	"github.com/OCAP2/locsync/internal/monitor"
	"github.com/OCAP2/locsync/internal/server"
	"github.com/OCAP2/locsync/internal/sink"
	mqttsink "github.com/OCAP2/locsync/internal/sink/mqtt"
	"github.com/OCAP2/locsync/internal/sink/tui"
	wssink "github.com/OCAP2/locsync/internal/sink/websocket"
	"github.com/OCAP2/locsync/internal/syncloop"
)

func newRunCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the location store and keep the configured sinks up to date",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.setupFileLogging(ctx); err != nil {
				return err
			}
			return a.run(ctx, stop, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sync cycle and exit")
	return cmd
}

// services are the long running parts of a sync session.
type services struct {
	multi   *sink.Multi
	names   []string
	server  *server.Server
	board   *tui.Sink
	monitor *monitor.Service
}

func (a *app) run(ctx context.Context, stop context.CancelFunc, once bool) error {
	syncCfg := config.GetSyncConfig()
	loopCfg, err := syncloop.ConfigFrom(syncCfg)
	if err != nil {
		return err
	}
	groupID, bucket := a.session.Group()
	loopCfg.GroupID = groupID

	region, err := geo.NewRegion(syncCfg.DefaultLatitude, syncCfg.DefaultLongitude, syncCfg.RegionSpan)
	if err != nil {
		return fmt.Errorf("invalid default region: %w", err)
	}

	backend, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	svc := &services{multi: sink.NewMulti()}
	defer func() {
		if err := svc.multi.Close(); err != nil {
			a.logger.Warn("Failed to close sinks", "error", err)
		}
	}()

	loop, err := syncloop.New(loopCfg, backend, svc.multi, a.logger)
	if err != nil {
		return err
	}
	defer loop.Close()

	iconCfg := config.GetIconConfig()
	icons := icon.NewLibrary(iconCfg.Dir, iconCfg.MaxSize, syncCfg.IconRef)
	if err := a.buildSinks(ctx, svc, loop, icons, region, groupID, bucket); err != nil {
		return err
	}
	a.logger.Info("Sinks ready", "sinks", svc.names, "group", groupID, "bucket", bucket)

	if once {
		_, err := loop.Initialize(ctx)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	if svc.server != nil {
		addr := config.GetSinksConfig().HTTP.Address
		g.Go(func() error {
			return svc.server.ListenAndServe(gctx, addr)
		})
	}
	if svc.board != nil {
		g.Go(func() error {
			// quitting the board ends the session
			defer stop()
			return svc.board.Run(gctx)
		})
	}
	if svc.monitor != nil {
		g.Go(func() error {
			return svc.monitor.Run(gctx)
		})
	}

	err = g.Wait()
	a.logger.Info("Sync session ended", "stats", loop.Stats())
	return err
}

func (a *app) buildSinks(
	ctx context.Context,
	svc *services,
	loop *syncloop.Loop,
	icons *icon.Library,
	region geo.Region,
	groupID, bucket string,
) error {
	sinksCfg := config.GetSinksConfig()

	if sinksCfg.HTTP.Enabled {
		svc.server = server.New(groupID, region, loop, icons, a.logger)
		svc.add("http", svc.server)
	}

	if sinksCfg.Websocket.Enabled {
		ws := wssink.New(wssink.Config{
			URL:     sinksCfg.Websocket.URL,
			Secret:  sinksCfg.Websocket.Secret,
			GroupID: groupID,
			Bucket:  bucket,
		}, icons, a.logger)
		if err := ws.Init(); err != nil {
			return fmt.Errorf("failed to connect websocket sink: %w", err)
		}
		svc.add("websocket", ws)
	}

	if sinksCfg.MQTT.Enabled {
		m := mqttsink.New(sinksCfg.MQTT, groupID, a.logger)
		if err := m.Connect(); err != nil {
			return err
		}
		svc.add("mqtt", m)
	}

	if sinksCfg.TUI.Enabled {
		svc.board = tui.New(groupID)
		svc.add("tui", svc.board)
	}

	influxCfg := config.GetInfluxConfig()
	if influxCfg.Enabled {
		mgr := influx.NewManager(a.zerologger(), influxCfg)
		if err := mgr.Connect(ctx); err != nil {
			a.logger.Error("Location history disabled", "error", err)
		} else {
			svc.add("influx", influx.NewSink(mgr, groupID))
		}
	}

	if svc.multi.Len() == 0 {
		a.logger.Warn("No sinks enabled, markers are tracked but not shown")
	}

	monCfg := config.GetMonitorConfig()
	if monCfg.Enabled {
		statusFile := monCfg.StatusFile
		if statusFile == "" {
			statusFile = filepath.Join(viper.GetString("logsDir"), "status.json")
		}
		svc.monitor = monitor.NewService(monitor.Dependencies{
			Loop:       loop,
			Logger:     a.logger,
			StatusFile: statusFile,
			Interval:   monCfg.Interval,
			GroupID:    groupID,
			Sinks:      svc.names,
		})
	}
	return nil
}

func (s *services) add(name string, sk sink.RenderingSink) {
	s.multi.Add(sk)
	s.names = append(s.names, name)
}
