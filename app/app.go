package main

import (
	"flag"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	C "insights/config"
	H "insights/handler"
	mid "insights/middleware"
	"insights/model/store/clickhouse"
)

// ./app --env=development --api_http_port=8080 --db_host=localhost --db_port=9000 --db_user=default --db_name=insights --redis_host=localhost --redis_port=6379
func main() {

	env := flag.String("env", "development", "")
	port := flag.Int("api_http_port", 8080, "")

	dbHost := flag.String("db_host", "localhost", "")
	dbPort := flag.Int("db_port", 9000, "")
	dbUser := flag.String("db_user", "default", "")
	dbName := flag.String("db_name", "insights", "")
	dbPass := flag.String("db_pass", "", "")

	redisHost := flag.String("redis_host", "localhost", "")
	redisPort := flag.Int("redis_port", 6379, "")

	flag.Parse()

	config := &C.Configuration{
		AppName: "app_server",
		Env:     *env,
		Port:    *port,
		DBInfo: C.ClickHouseConf{
			Host:     *dbHost,
			Port:     *dbPort,
			User:     *dbUser,
			Name:     *dbName,
			Password: *dbPass,
		},
		RedisHost: *redisHost,
		RedisPort: *redisPort,
	}

	// Initialize configs and connections.
	if err := C.Init(config); err != nil {
		log.WithError(err).Fatal("Failed to initialize.")
		return
	}

	if !C.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	executor := clickhouse.NewConnExecutor(C.GetServices().ClickHouse)
	definitions := clickhouse.NewDefinitionStore(executor)
	store := clickhouse.NewClickHouse(executor, definitions, definitions, nil)

	r := gin.New()
	r.Use(mid.CustomCors())
	r.Use(mid.RequestIdGenerator())
	r.Use(mid.Logger())
	r.Use(mid.Recovery())

	// Initialize routes.
	H.InitStatusRoutes(r)
	H.InitAppRoutes(r, H.NewHandler(store, definitions))
	r.Run(":" + strconv.Itoa(C.GetConfig().Port))
}
