package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshmeet/meshmeet/internal/adapters/httpapi"
	"github.com/meshmeet/meshmeet/internal/adapters/rtc"
	"github.com/meshmeet/meshmeet/internal/config"
	"github.com/meshmeet/meshmeet/internal/core"
	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/meeting"
	"github.com/meshmeet/meshmeet/internal/presence"
	"github.com/meshmeet/meshmeet/internal/roster"
	"github.com/meshmeet/meshmeet/internal/signaling"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	self, err := domain.NewParticipant(cfg.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid participant name")
	}
	sessionID := domain.SessionID(cfg.Session)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}

	var ch signaling.Channel
	switch cfg.Transport {
	case "websocket":
		ch = signaling.NewWSChannel(cfg.SignalURL)
	default:
		ch = signaling.NewRedisChannel(rdb, sessionID)
	}

	var device core.CaptureDevice
	switch cfg.MediaDriver {
	case "rtp":
		device = media.RTPDevice{
			CameraAddr:     cfg.CameraAddr,
			MicrophoneAddr: cfg.MicAddr,
			DisplayAddr:    cfg.DisplayAddr,
		}
	default:
		device = media.SyntheticDevice{}
	}

	videoProfile := media.DefaultVideoProfile()
	audioProfile := media.DefaultAudioProfile()

	sess := meeting.NewSession(ctx, sessionID, *self, meeting.SessionDeps{
		Channel: ch,
		Roster:  roster.NewRedisStore(ctx, rdb),
		Device:  device,
		NewLink: rtc.NewLinkFactory(rtc.Config{
			ICEServers: cfg.ICEServers,
			VideoKbps:  videoProfile.MaxBitrateKbps,
			AudioKbps:  audioProfile.MaxBitrateKbps,
		}),
		Transform: media.NewBoxBlur(videoProfile.Width, videoProfile.Height, cfg.BlurRadius),
		Presence: presence.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			PollInterval:      cfg.PollInterval,
		},
		Peers: meeting.Config{
			ReconnectBase:   cfg.ReconnectBase,
			MaxReconnects:   cfg.MaxReconnects,
			DisconnectGrace: cfg.DisconnectGrace,
		},
		Video: videoProfile,
		Audio: audioProfile,
	})

	if _, err := sess.InitializeMedia(true, true); err != nil {
		log.Fatal().Err(err).Msg("capture initialization failed")
	}
	if err := sess.JoinMeeting(); err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}

	var statusSrv *http.Server
	if cfg.StatusAddr != "" {
		statusSrv = &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: httpapi.SetupRouter(cfg, sess),
		}
		go func() {
			log.Info().Str("addr", cfg.StatusAddr).Msg("status server started")
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("status server error")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	sess.LeaveMeeting()
	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("status server forced to shutdown")
		}
	}
	log.Info().Msg("Exited gracefully")
}
