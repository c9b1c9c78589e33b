package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"
)

const DEVELOPMENT = "development"

type ClickHouseConf struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type Configuration struct {
	AppName   string         `json:"app_name"`
	Env       string         `json:"env"`
	Port      int            `json:"port"`
	DBInfo    ClickHouseConf `json:"db"`
	RedisHost string         `json:"redis_host"`
	RedisPort int            `json:"redis_port"`
}

type Services struct {
	ClickHouse ch.Conn
	Redis      *redis.Pool
}

var configuration *Configuration = nil
var services *Services = nil
var initiated bool = false

func initLogging() {
	// Log as JSON instead of the default ASCII formatter.
	log.SetFormatter(&log.JSONFormatter{})

	if IsDevelopment() {
		log.SetLevel(log.DebugLevel)
	}
}

func initClickHouse() error {
	conn, err := ch.Open(&ch.Options{
		Addr: []string{fmt.Sprintf("%s:%d", configuration.DBInfo.Host, configuration.DBInfo.Port)},
		Auth: ch.Auth{
			Database: configuration.DBInfo.Name,
			Username: configuration.DBInfo.User,
			Password: configuration.DBInfo.Password,
		},
		MaxOpenConns: 100,
		MaxIdleConns: 10,
		DialTimeout:  10 * time.Second,
	})
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Error("Failed ClickHouse initialization")
		return err
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		log.WithFields(log.Fields{"err": err}).Error("Failed ClickHouse ping")
		return err
	}
	log.Info("ClickHouse service initialized")

	services.ClickHouse = conn
	return nil
}

// InitRedis Initializes the query cache connection pool.
func InitRedis(host string, port int) {
	services.Redis = &redis.Pool{
		MaxIdle:     50,
		MaxActive:   100,
		IdleTimeout: 3 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
		},
	}
	log.Info("Redis service initialized")
}

func Init(config *Configuration) error {
	if initiated {
		return fmt.Errorf("config already initialized")
	}
	configuration = config
	services = &Services{}

	initLogging()

	if err := initClickHouse(); err != nil {
		return err
	}
	InitRedis(config.RedisHost, config.RedisPort)

	initiated = true
	return nil
}

// InitForTests Sets configuration without opening connections. Used by unit
// tests that never touch the services.
func InitForTests(config *Configuration) {
	configuration = config
	services = &Services{}
}

func GetConfig() *Configuration {
	return configuration
}

func GetServices() *Services {
	return services
}

// GetCacheRedisConnection One connection from the pool. Caller closes.
func GetCacheRedisConnection() redis.Conn {
	return services.Redis.Get()
}

func IsDevelopment() bool {
	return strings.Compare(configuration.Env, DEVELOPMENT) == 0
}
