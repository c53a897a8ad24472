package main

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/adapters/capture"
	"github.com/dkeye/meshvoice/internal/adapters/playback"
	"github.com/dkeye/meshvoice/internal/adapters/rest"
	"github.com/dkeye/meshvoice/internal/adapters/rtc"
	wsignal "github.com/dkeye/meshvoice/internal/adapters/signal"
	"github.com/dkeye/meshvoice/internal/app/liveness"
	"github.com/dkeye/meshvoice/internal/app/orch"
	"github.com/dkeye/meshvoice/internal/app/peer"
	"github.com/dkeye/meshvoice/internal/config"
	"github.com/dkeye/meshvoice/internal/domain"
)

func openOutput(path string) (io.WriteCloser, error) {
	switch path {
	case "":
		return nopCloser{io.Discard}, nil
	case "-":
		return nopCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func coordinatorConfig(cfg *config.NodeConfig) orch.Config {
	pc := peer.DefaultConfig()
	pc.NegotiationTimeout = cfg.Timing.NegotiationTimeout
	pc.ConnectTimeout = cfg.Timing.ConnectTimeout
	return orch.Config{
		Self: domain.Participant{ID: domain.ParticipantID(cfg.ParticipantID), DisplayName: cfg.DisplayName},
		Audio: orch.AudioPrefs{
			DeviceID:         cfg.Audio.Input,
			EchoCancellation: cfg.Audio.EchoCancellation,
			NoiseSuppression: cfg.Audio.NoiseSuppression,
			AutoGainControl:  cfg.Audio.AutoGainControl,
			PushToTalk:       cfg.Audio.VoiceMode == "ptt",
		},
		Threshold:         cfg.Threshold,
		SampleInterval:    cfg.Timing.SampleInterval,
		HeartbeatInterval: cfg.Timing.HeartbeatInterval,
		Peer:              pc,
		Liveness: liveness.Config{
			Interval:    cfg.Timing.ReconcileInterval,
			HiddenGrace: cfg.Timing.HiddenGrace,
		},
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	return srv
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadNode(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.ApplyLogLevel(cfg.LogLevel)

	// One jar keeps the hub session cookie shared by REST calls and the
	// channel.
	jar, err := cookiejar.New(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("cookie jar")
	}
	store := rest.NewClient(cfg.ServerURL, jar)
	clientCfg := wsignal.DefaultClientConfig(cfg.ServerURL)
	clientCfg.Jar = jar
	transport := wsignal.NewTransport(clientCfg)

	devices := make([]capture.Device, 0, len(cfg.Audio.Devices))
	for _, d := range cfg.Audio.Devices {
		devices = append(devices, capture.Device{ID: d.ID, Label: d.Label, Path: d.Path})
	}
	mic := capture.New(devices)

	out, err := openOutput(cfg.Audio.Output)
	if err != nil {
		log.Fatal().Err(err).Str("output", cfg.Audio.Output).Msg("failed to open audio output")
	}
	defer out.Close()
	speaker := playback.New(out)
	speaker.SetVolume(cfg.Audio.MonitorVolume)
	go func() {
		if err := speaker.Run(ctx); err != nil {
			log.Error().Err(err).Msg("playback stopped")
		}
	}()

	peers, err := rtc.NewFactory(rtc.DefaultWebRTCConfig(cfg.ICEServers), speaker)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build WebRTC factory")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	node, err := orch.New(coordinatorConfig(cfg), orch.Deps{
		Transport:  transport,
		Store:      store,
		Capture:    mic,
		Peers:      peers,
		Playback:   speaker,
		Registerer: reg,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build coordinator")
	}
	node.OnWarning(func(id domain.ParticipantID, err error) {
		log.Warn().Err(err).Str("peer", string(id)).Msg("peer unreachable")
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = serveMetrics(cfg.MetricsAddr, reg)
	}

	if err := node.Connect(ctx, domain.RoomID(cfg.Room)); err != nil {
		log.Fatal().Err(err).Str("room", cfg.Room).Msg("failed to join room")
	}

	// SIGUSR1 toggles push-to-talk, SIGUSR2 toggles mute.
	controls := make(chan os.Signal, 1)
	signal.Notify(controls, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(controls)
	talking := false

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case sig := <-controls:
			switch sig {
			case syscall.SIGUSR1:
				talking = !talking
				if err := node.SetTalking(talking); err != nil {
					log.Warn().Err(err).Msg("set talking")
				}
				log.Info().Bool("talking", talking).Msg("push-to-talk")
			case syscall.SIGUSR2:
				muted := !node.Muted()
				if err := node.SetMuted(muted); err != nil {
					log.Warn().Err(err).Msg("set muted")
				}
				log.Info().Bool("muted", muted).Msg("mute")
			}
		}
	}

	log.Info().Msg("Leaving room")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := node.Disconnect(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("disconnect")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics shutdown")
		}
	}
	log.Info().Msg("voicenode exited")
}
