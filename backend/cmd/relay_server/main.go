package main

import (
	"fmt"
	"log"
	"time"

	"context"
	"database/sql"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"noteCollab/backend/internal/cache"
	"noteCollab/backend/internal/collab"
	"noteCollab/backend/internal/httpapi/handlers"
	"noteCollab/backend/internal/httpapi/middleware"
	"noteCollab/backend/internal/room"
	"noteCollab/backend/internal/store"
	"noteCollab/backend/internal/ws"
)

type RelayConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Room struct {
		// 房间存活时长（秒），到点后被清扫，残留连接收到 ROOM_EXPIRED
		TTLSeconds int `mapstructure:"ttlSeconds"`
		// 清扫间隔（秒）
		SweepSeconds int `mapstructure:"sweepSeconds"`
	} `mapstructure:"Room"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
}

func initConfig() (*RelayConfig, error) {
	cfg := &RelayConfig{}
	v := viper.New()
	v.SetConfigName("relayConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.Room.TTLSeconds <= 0 {
		cfg.Room.TTLSeconds = 3600
	}
	if cfg.Room.SweepSeconds <= 0 {
		cfg.Room.SweepSeconds = 60
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	// === Redis（presence 用，没配就只做本进程广播）===
	var presenceCache cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err = rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presenceCache = cache.NewRedisPresence(rdb)
	} else {
		log.Printf("redis not configured, presence disabled")
	}

	// === MySQL（房间流水，审计用，没配就跳过）===
	var journal room.Journal
	if cfg.Mysql.DSN != "" {
		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		journal = store.NewRoomStore(db)
	}

	// === Kafka Producer（操作事件流，没配就跳过）===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		// Kafka 本地队列 + worker 重试发送
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(),
			collab.KafkaDispatcherOptions{
				//  Go 允许在数字里用下划线做分隔符，方便阅读
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	}

	registry := room.NewRegistry(time.Duration(cfg.Room.TTLSeconds)*time.Second, journal)
	svc := collab.NewInMemoryService(dispatcher)
	hub := ws.NewHub()
	wsSem := collab.NewSemaphoreControl()
	manager := ws.NewManager(hub, registry, svc, wsSem, presenceCache)

	// 房间到点清扫：断开残留连接，丢弃对应的操作日志
	registry.StartSweeper(time.Duration(cfg.Room.SweepSeconds)*time.Second, func(roomID string) {
		hub.CloseRoom(roomID)
		svc.DropRoom(roomID)
	})
	defer registry.StopSweeper()

	roomHandler := handlers.NewRoomHandler(registry, "/collab/ws")

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 路由
	collabGroup := r.Group("/collab")
	// 协作握手走 access token；/ws 自己校验 join token（浏览器的 WebSocket 带不了 Header）
	collabGroup.POST("/rooms", middleware.AuthMiddleware(), roomHandler.JoinRoom)
	collabGroup.GET("/rooms/:roomID", middleware.AuthMiddleware(), roomHandler.GetRoom)
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
