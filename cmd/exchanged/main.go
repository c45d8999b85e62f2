// Command exchanged runs one exchange-core node: it wires the engine
// to a Mongo-backed store, a Redis status cache, an identity service,
// a websocket live feed, and a thin gin admin/demo HTTP surface — the
// same layering the teacher uses for its own im-gateway binaries,
// just pointed at this module's domain.
package main

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ppmesh/exchange-core/core"
	"github.com/ppmesh/exchange-core/corelog"
	"github.com/ppmesh/exchange-core/identity"
	"github.com/ppmesh/exchange-core/livefeed"
	appmw "github.com/ppmesh/exchange-core/middleware"
	msecurity "github.com/ppmesh/exchange-core/middleware/security"
	"github.com/ppmesh/exchange-core/storage/mongostore"
	"github.com/ppmesh/exchange-core/storage/redisstore"
	"github.com/ppmesh/exchange-core/transportbridge/kafkabridge"
	"github.com/ppmesh/exchange-core/transportbridge/natsbridge"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log := corelog.New("exchanged")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(getenv("MONGO_URI", "mongodb://127.0.0.1:27017")))
	if err != nil {
		log.Errorf("mongo connect: %v", err)
		os.Exit(1)
	}
	defer mongoClient.Disconnect(context.Background())
	store := mongostore.New(mongoClient.Database(getenv("MONGO_DB", "exchange")), 0)

	rdb := goredis.NewClient(&goredis.Options{Addr: getenv("REDIS_ADDR", "127.0.0.1:6379")})
	defer rdb.Close()
	cache := redisstore.New(rdb)

	li := identity.New(log, identity.DefaultCredentialOptions([]byte(getenv("JWT_SECRET", "dev-secret-change-me"))))
	hub := livefeed.NewHub(log, 8, 4096)

	sinks := []core.Notifier{hub}

	var kbridge *kafkabridge.Bridge
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kbridge, err = kafkabridge.New(kafkabridge.Config{
			Brokers:         []string{brokers},
			GroupTopic:      getenv("KAFKA_GROUP_TOPIC", "exchange.groups"),
			MessageTopic:    getenv("KAFKA_MESSAGE_TOPIC", "exchange.messages"),
			ChangeTopic:     getenv("KAFKA_CHANGE_TOPIC", "exchange.changes"),
			ConsumerGroupID: getenv("KAFKA_CONSUMER_GROUP", "exchange-node"),
		}, log)
		if err != nil {
			log.Errorf("kafkabridge: %v", err)
		} else {
			defer kbridge.Close()
			sinks = append(sinks, kbridge)
		}
	}

	var nbridge *natsbridge.Bridge
	if url := os.Getenv("NATS_URL"); url != "" {
		nbridge, err = natsbridge.New(natsbridge.Config{
			URL:            url,
			GroupSubject:   getenv("NATS_GROUP_SUBJECT", "exchange.groups"),
			MessageSubject: getenv("NATS_MESSAGE_SUBJECT", "exchange.messages"),
			ChangeSubject:  getenv("NATS_CHANGE_SUBJECT", "exchange.changes"),
			QueueGroup:     getenv("NATS_QUEUE_GROUP", ""),
		}, log)
		if err != nil {
			log.Errorf("natsbridge: %v", err)
		} else {
			defer nbridge.Close()
			sinks = append(sinks, nbridge)
		}
	}

	engine := core.New(core.Config{
		Store:        store,
		Identity:     li,
		Deserializer: core.JSONDeserializer{},
		Notifier:     &fanoutNotifier{sinks: sinks},
		Logger:       log,
	})
	if err := engine.Load(ctx); err != nil {
		log.Errorf("engine load: %v", err)
		os.Exit(1)
	}
	go engine.Run(ctx)

	if kbridge != nil {
		go kbridge.Run(ctx, engine)
	}
	if nbridge != nil {
		if err := nbridge.Subscribe(engine); err != nil {
			log.Errorf("natsbridge subscribe: %v", err)
		}
	}

	mw := appmw.Manager()
	mw.Add(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-Id", reqID)
		c.Set("request_id", reqID)
		c.Next()
	})
	mw.Add(appmw.Origin())

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(mw.Use())

	router.POST("/identity/:id/generate", func(c *gin.Context) {
		token, err := li.Generate(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	authed := router.Group("/api")
	authed.Use(msecurity.Middleware(li, msecurity.DefaultOptions()))

	authed.POST("/groups", func(c *gin.Context) {
		privacy := core.PrivacyClass(0)
		tok := engine.PublishGroup(core.GroupPublishItem{Privacy: privacy})
		c.JSON(http.StatusAccepted, gin.H{"token": uint32(tok)})
	})

	authed.GET("/tokens/:token", func(c *gin.Context) {
		tok, err := parseToken(c.Param("token"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status, ok := engine.Status(tok)
		if !ok {
			if cached, found, err := cache.LookupStatus(c.Request.Context(), tok); err == nil && found {
				c.JSON(http.StatusOK, gin.H{"status": int(cached), "source": "cache"})
				return
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown token"})
			return
		}
		if status.Terminal() {
			_ = cache.PublishStatus(c.Request.Context(), tok, status)
		}
		c.JSON(http.StatusOK, gin.H{"status": int(status), "source": "engine"})
	})

	authed.GET("/tokens/:token/ack", func(c *gin.Context) {
		tok, err := parseToken(c.Param("token"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if gid, ok := engine.AcknowledgeGroup(tok); ok {
			c.JSON(http.StatusOK, gin.H{"group_id": hex.EncodeToString(gid[:])})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending group ack"})
	})

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	router.GET("/ws/:id", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := livefeed.NewClient(c.Param("id"), conn, 256)
		hub.Register(client)
		go func() {
			defer hub.Unregister(client.ConnID)
			for buf := range client.Send {
				if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
					return
				}
			}
		}()
	})

	srv := &http.Server{Addr: getenv("LISTEN_ADDR", ":8080"), Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func parseToken(s string) (core.Token, error) {
	var v uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, os.ErrInvalid
		}
		v = v*10 + uint64(r-'0')
	}
	return core.Token(v), nil
}
