// Command claudeway runs the chat-to-agent gateway: it listens for
// Slack events over Socket Mode, schedules each channel's messages
// into the Agent supervisor, and streams the Agent's replies back.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ktamas77/claudeway/pkg/chatclient/slackclient"
	"github.com/ktamas77/claudeway/pkg/claude"
	"github.com/ktamas77/claudeway/pkg/command"
	"github.com/ktamas77/claudeway/pkg/config"
	"github.com/ktamas77/claudeway/pkg/logx"
	"github.com/ktamas77/claudeway/pkg/metrics"
	"github.com/ktamas77/claudeway/pkg/queue"
	"github.com/ktamas77/claudeway/pkg/scheduler"
)

func main() {
	var (
		configDir   string
		queueDir    string
		imageDir    string
		metricsAddr string
	)
	flag.StringVar(&configDir, "config-dir", ".", "directory containing config.yaml or config.json")
	flag.StringVar(&queueDir, "queue-dir", "./data/queue", "directory for the durable message queue")
	flag.StringVar(&imageDir, "image-dir", "./data/images", "scratch directory for downloaded image attachments")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	logger := logx.NewLogger("gateway")

	botToken := os.Getenv("SLACK_BOT_TOKEN")
	appToken := os.Getenv("SLACK_APP_TOKEN")
	if botToken == "" || appToken == "" {
		logger.Error("SLACK_BOT_TOKEN and SLACK_APP_TOKEN must both be set")
		os.Exit(1)
	}

	absConfigDir, err := filepath.Abs(configDir)
	if err != nil {
		logger.Error("resolve config dir: %v", err)
		os.Exit(1)
	}
	cfg, err := config.Load(absConfigDir)
	if err != nil {
		logger.Error("load config: %v", err)
		os.Exit(1)
	}

	q, err := queue.New(queueDir)
	if err != nil {
		logger.Error("open queue: %v", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	chat := slackclient.New(api)
	downloader := scheduler.NewHTTPDownloader(imageDir, botToken)

	supervisor := claude.NewSupervisor()
	interpreter := command.New(supervisor, cfg, q, chat)
	sched := scheduler.New(cfg, q, supervisor, chat, downloader, interpreter, rec)

	go serveMetrics(metricsAddr, reg, logger)
	go sampleProcessGauges(supervisor, rec)

	client := socketmode.New(api)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runEventLoop(ctx, client, sched, logger)

	if cfg.SystemChannel != "" {
		if _, err := chat.PostMessage(ctx, cfg.SystemChannel, "", ":rocket: claudeway is online"); err != nil {
			logger.Warn("post startup notification: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := client.Run(); err != nil {
			logger.Error("socket mode client exited: %v", err)
		}
	}()

	sig := <-sigCh
	logger.Info("received signal %v, shutting down", sig)
	for _, ch := range supervisor.KillAllProcesses() {
		logger.Info("terminated agent in %s", ch)
	}
	if cfg.SystemChannel != "" {
		if _, err := chat.PostMessage(context.Background(), cfg.SystemChannel, "", ":octagonal_sign: claudeway is shutting down"); err != nil {
			logger.Warn("post shutdown notification: %v", err)
		}
	}
	cancel()
}

// sampleProcessGauges periodically snapshots the supervisor's registries
// into the active-process gauges.
func sampleProcessGauges(supervisor *claude.Supervisor, rec *metrics.Recorder) {
	for range time.Tick(10 * time.Second) {
		counts := map[claude.ProcessMode]int{claude.ModeOneshot: 0, claude.ModePersistent: 0}
		for _, p := range supervisor.ActiveProcesses() {
			counts[p.Mode]++
		}
		for mode, n := range counts {
			rec.SetActiveProcesses(string(mode), n)
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server: %v", err)
	}
}

func runEventLoop(ctx context.Context, client *socketmode.Client, sched *scheduler.Scheduler, logger *logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			handleSocketEvent(ctx, client, sched, logger, evt)
		}
	}
}

func handleSocketEvent(ctx context.Context, client *socketmode.Client, sched *scheduler.Scheduler, logger *logx.Logger, evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if evt.Request != nil {
		client.Ack(*evt.Request)
	}
	if eventsAPIEvent.Type != slackevents.CallbackEvent {
		return
	}

	inner, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}

	ev := toInboundEvent(inner)
	if err := sched.HandleEvent(ctx, ev); err != nil {
		logger.Error("handle event for %s: %v", ev.ChannelID, err)
	}
}

// toInboundEvent normalizes a Slack message event into the scheduler's
// platform-independent InboundEvent.
func toInboundEvent(m *slackevents.MessageEvent) scheduler.InboundEvent {
	switch m.SubType {
	case "message_deleted":
		return scheduler.InboundEvent{
			Type:      scheduler.EventMessageDeleted,
			ChannelID: m.Channel,
			DeletedTS: m.DeletedTimeStamp,
		}
	case "message_changed":
		originalTS := m.TimeStamp
		newText := m.Text
		if m.Message != nil {
			originalTS = m.Message.TimeStamp
			newText = m.Message.Text
		}
		return scheduler.InboundEvent{
			Type:       scheduler.EventMessageChanged,
			ChannelID:  m.Channel,
			OriginalTS: originalTS,
			Text:       newText,
		}
	default:
		ev := scheduler.InboundEvent{
			Type:      scheduler.EventMessage,
			ChannelID: m.Channel,
			UserID:    m.User,
			BotID:     m.BotID,
			TS:        m.TimeStamp,
			ThreadTS:  m.ThreadTimeStamp,
			Text:      m.Text,
		}
		for _, f := range m.Files {
			ev.Attachments = append(ev.Attachments, scheduler.Attachment{
				URL:      f.URLPrivateDownload,
				Mimetype: f.Mimetype,
				Size:     int64(f.Size),
				Name:     f.Name,
			})
		}
		return ev
	}
}
