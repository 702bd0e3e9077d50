package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stakeline/engage/internal/api"
	"github.com/stakeline/engage/internal/backing"
	"github.com/stakeline/engage/internal/challenge"
	"github.com/stakeline/engage/internal/history"
	"github.com/stakeline/engage/internal/messaging"
	"github.com/stakeline/engage/internal/metrics"
	"github.com/stakeline/engage/internal/notify"
	"github.com/stakeline/engage/internal/presence"
	"github.com/stakeline/engage/internal/protocol"
	"github.com/stakeline/engage/internal/ratelimit"
	"github.com/stakeline/engage/internal/rooms"
	"github.com/stakeline/engage/internal/router"
	"github.com/stakeline/engage/internal/transport"
)

// uiSink relays alerts, notices and cache invalidations to the frontend
// shell over the gateway socket. Delivery is best effort: when the socket is
// down the frontend refetches on reconnect anyway.
type uiSink struct {
	conn *transport.Conn
}

func (s *uiSink) Notify(title, body, tag string) {
	s.push("alert", map[string]string{"title": title, "body": body, "tag": tag})
}

func (s *uiSink) Notice(title, body, tag string) {
	s.Notify(title, body, tag)
}

func (s *uiSink) Invalidate(key string) {
	s.push("cache_invalidate", map[string]string{"key": key})
}

func (s *uiSink) push(frameType string, payload map[string]string) {
	frame, err := protocol.NewFrame(frameType, payload)
	if err == nil {
		err = s.conn.Send(frame)
	}
	if err != nil {
		log.Printf("[ui] %s dropped: %v", frameType, err)
	}
}

func main() {
	log.Println("Starting Stakeline engagement engine...")

	userID := os.Getenv("USER_ID")
	if userID == "" {
		log.Fatal("USER_ID is required")
	}
	instanceID := uuid.NewString()[:8]

	// --- Transport ---
	transportConfig := transport.DefaultConfig()
	if v := os.Getenv("GATEWAY_WS_URL"); v != "" {
		transportConfig.URL = v
	}
	if v := os.Getenv("RECONNECT_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			transportConfig.MaxAttempts = n
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			transportConfig.WriteTimeout = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "engaged-" + instanceID

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- Postgres audit log (optional) ---
	var auditor challenge.TransitionLog
	var auditStore *history.Store
	postgresDSN := os.Getenv("POSTGRES_DSN")
	if postgresDSN != "" {
		auditStore, err = history.Open(postgresDSN)
		if err != nil {
			log.Fatalf("failed to open transition history: %v", err)
		}
		auditor = auditStore
	}

	// --- Backing store client ---
	backingConfig := backing.DefaultConfig()
	if v := os.Getenv("GATEWAY_API_URL"); v != "" {
		backingConfig.BaseURL = v
	}
	backingConfig.AuthToken = os.Getenv("AUTH_TOKEN")
	gateway := backing.NewClient(backingConfig)

	// Declare the connection early so closures can capture it.
	var conn *transport.Conn
	var rtr *router.Router
	var notifier *notify.Dispatcher

	sink := &uiSink{}
	machine := challenge.NewMachine(userID, gateway, challenge.NewStore(rdb), auditor, sink, sink)
	notifier = notify.NewDispatcher(gateway, sink, sink, notify.NewStore(rdb, userID))
	typing := presence.NewAggregator()
	feed := rooms.NewFeed()
	limiter := ratelimit.NewLimiter(rdb)

	loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := machine.Load(loadCtx); err != nil {
		log.Printf("projection warmup failed: %v", err)
	}
	cancel()

	// --- Socket frame dispatch ---
	dispatcher := transport.NewFrameDispatcher(nil)

	dispatcher.Register(protocol.TypeChatDelivery, func(msg interface{}) {
		m, ok := msg.(protocol.ChatDeliveryFrame)
		if !ok {
			return
		}
		feed.Add(m.RoomID, rooms.Message{UserID: m.From, Text: m.Text, Ts: m.Ts})
	})

	dispatcher.Register(protocol.TypeTypingDelivery, func(msg interface{}) {
		m, ok := msg.(protocol.TypingDeliveryFrame)
		if !ok {
			return
		}
		typing.MarkTyping(m.RoomID, m.UserID, m.IsTyping)
	})

	dispatcher.Register(protocol.TypeError, func(msg interface{}) {
		if m, ok := msg.(protocol.ErrorFrame); ok {
			log.Printf("[gateway] error frame code=%s message=%s", m.Code, m.Message)
		}
	})

	conn = transport.New(transportConfig, nil, transport.Callbacks{
		OnOpen: func() {
			rtr.Resubscribe()
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := notifier.Refresh(ctx); err != nil {
					log.Printf("notification refresh after reconnect failed: %v", err)
				}
			}()
		},
		OnMessage: dispatcher.Dispatch,
		OnClose: func(terminal bool) {
			if terminal {
				log.Printf("gateway connection lost for good; realtime updates are offline")
			}
		},
		OnError: func(err error) {
			log.Printf("[gateway] %v", err)
		},
	})
	sink.conn = conn
	dispatcher.SetConn(conn)

	// --- Routed pub/sub topics ---
	rtr = router.New(natsClient)

	userTopic := messaging.UserTopic(userID)
	if err := rtr.Subscribe(userTopic); err != nil {
		log.Fatalf("subscribe %s: %v", userTopic, err)
	}
	if err := rtr.Subscribe(messaging.TopicGlobal); err != nil {
		log.Fatalf("subscribe %s: %v", messaging.TopicGlobal, err)
	}

	// Challenge lifecycle events reach both the state machine and the
	// notification dispatcher (the latter for badges and alerting).
	rtr.Bind(userTopic, protocol.EventChallengeReceived, machine.HandleEvent)
	rtr.Bind(userTopic, protocol.EventChallengeUpdated, machine.HandleEvent)
	for _, event := range []string{
		protocol.EventChallengeReceived,
		protocol.EventChallengeUpdated,
		protocol.EventFriendRequest,
		protocol.EventTipReceived,
		protocol.EventNewFollower,
		protocol.EventDailyBonus,
		protocol.EventStreak,
	} {
		rtr.Bind(userTopic, event, notifier.HandleEvent)
	}
	rtr.Bind(messaging.TopicGlobal, protocol.EventLeaderboard, notifier.HandleEvent)

	// Event rooms followed at startup.
	for _, eventID := range splitList(os.Getenv("EVENT_IDS")) {
		topic := messaging.EventTopic(eventID)
		if err := rtr.Subscribe(topic); err != nil {
			log.Printf("subscribe %s: %v", topic, err)
			continue
		}
		rtr.Bind(topic, protocol.EventChallengeUpdated, machine.HandleEvent)
		rtr.Bind(topic, protocol.EventLeaderboard, notifier.HandleEvent)
	}

	// --- Connect and keep alive ---
	connCtx, connCancel := context.WithCancel(context.Background())
	conn.Connect(connCtx)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if !conn.IsConnected() {
				continue
			}
			if err := dispatcher.Ping(); err != nil {
				log.Printf("[gateway] ping failed: %v", err)
			}
		}
	}()

	// --- Local HTTP surfaces ---
	metricsAddr := ":9100"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server error: %v", err)
		}
	}()

	apiAddr := "127.0.0.1:8765"
	if v := os.Getenv("API_ADDR"); v != "" {
		apiAddr = v
	}
	apiSrv := &http.Server{
		Addr:    apiAddr,
		Handler: api.NewServer(userID, machine, notifier, typing, feed, limiter, conn).Handler(),
	}
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	log.Printf("Stakeline engagement engine running")
	log.Printf("  user_id:        %s", userID)
	log.Printf("  instance_id:    %s", instanceID)
	log.Printf("  gateway_ws_url: %s", transportConfig.URL)
	log.Printf("  gateway_api:    %s", backingConfig.BaseURL)
	log.Printf("  nats_url:       %s", natsConfig.URL)
	log.Printf("  redis_addr:     %s", redisAddr)
	log.Printf("  metrics_addr:   %s", metricsAddr)
	log.Printf("  api_addr:       %s", apiAddr)
	if postgresDSN != "" {
		log.Printf("  audit_log:      postgres")
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)

	connCancel()
	conn.Close()
	natsClient.Close()
	if auditStore != nil {
		auditStore.Close()
	}
	rdb.Close()
}

// splitList parses a comma-separated env value into trimmed entries.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
