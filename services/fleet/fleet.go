package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetcontrol/core/boot"
	"github.com/relabs-tech/fleetcontrol/core/csql"
	"github.com/relabs-tech/fleetcontrol/core/kv"
	"github.com/relabs-tech/fleetcontrol/core/logger"
	"github.com/relabs-tech/fleetcontrol/iot/bootstrap"
	"github.com/relabs-tech/fleetcontrol/iot/catalog"
	"github.com/relabs-tech/fleetcontrol/iot/fwstore"
	"github.com/relabs-tech/fleetcontrol/iot/mqtt"
	"github.com/relabs-tech/fleetcontrol/iot/notify"
	"github.com/relabs-tech/fleetcontrol/iot/policy"
	"github.com/relabs-tech/fleetcontrol/iot/profile"
	"github.com/relabs-tech/fleetcontrol/iot/rollout"
	"github.com/relabs-tech/fleetcontrol/iot/shadow"
	"github.com/relabs-tech/fleetcontrol/iot/state"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres       string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,default=fleet" description:"the database schema to use"`
	ServiceSecret  string `env:"SERVICE_SECRET,required" description:"the secret all credentials are derived from"`
	Port           string `env:"PORT,default=3000" description:"the port the REST interface listens on"`

	RedisAddr     string `env:"REDIS_ADDR" description:"redis address for the TTL cache, empty disables caching"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`

	Brokers       string `env:"MQTT_BROKERS,default=tcp://localhost:1883" description:"comma-separated broker URLs handed to devices"`
	MQTTAddress   string `env:"MQTT_ADDRESS,default=:1883" description:"the address the embedded broker listens on"`
	CertFile      string `env:"MQTT_CERT_FILE" description:"TLS certificate for the broker, empty disables TLS"`
	KeyFile       string `env:"MQTT_KEY_FILE"`
	CAFingerprint string `env:"MQTT_CA_FINGERPRINT"`

	DefaultTenant string `env:"DEFAULT_TENANT,default=default" description:"tenant for bootstrap requests without a tenantId"`
	ProfilesJSON  string `env:"DEVICE_PROFILES" description:"JSON list binding device types to profile factories"`
	WebsocketURL  string `env:"WEBSOCKET_URL" description:"optional websocket transport advertised to devices"`

	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma-separated kafka brokers, empty disables the event sink"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=fleet-events"`

	FirmwareStore  string `env:"FIRMWARE_STORE" description:"'Local' or 'AWSS3', empty disables firmware downloads"`
	FirmwareFolder string `env:"FIRMWARE_FOLDER,default=/var/lib/fleetcontrol/firmware"`
	PublicURL      string `env:"PUBLIC_URL,default=http://localhost:3000" description:"public base URL for locally served firmware"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3Region       string `env:"S3_REGION"`
	S3AccessID     string `env:"S3_ACCESS_ID"`
	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3KeyPrefix    string `env:"S3_KEY_PREFIX,default=firmware/"`
}

func main() {
	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default()

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
	defer db.Close()

	var cache kv.KV
	if service.RedisAddr != "" {
		redisKV, err := kv.Open(service.RedisAddr, service.RedisPassword, service.RedisDB)
		if err != nil {
			panic(err)
		}
		defer redisKV.Close()
		cache = redisKV
	} else {
		rlog.Warn("no redis configured, running without idempotency and shadow caches")
	}

	bus := notify.NewBus()
	defer bus.Close()
	if service.KafkaBrokers != "" {
		sink := notify.NewKafkaSink(bus, service.KafkaBrokers, service.KafkaTopic)
		defer sink.Close()
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)

	store := state.NewStore(db)
	engine := policy.NewEngine([]byte(service.ServiceSecret))

	profiles := profile.NewRegistry()
	if service.ProfilesJSON != "" {
		var bindings []profile.Binding
		if err := json.Unmarshal([]byte(service.ProfilesJSON), &bindings); err != nil {
			panic(err)
		}
		if err := profiles.Configure(bindings); err != nil {
			panic(err)
		}
	}

	var firmware fwstore.Driver
	switch fwstore.DriverType(service.FirmwareStore) {
	case fwstore.DriverTypeLocal:
		publicURL, err := url.Parse(service.PublicURL)
		if err != nil {
			panic(err)
		}
		firmware, err = fwstore.NewLocalFilesystem(router, service.FirmwareFolder, *publicURL, nil)
		if err != nil {
			panic(err)
		}
	case fwstore.DriverTypeAWSS3:
		s3, err := fwstore.NewS3(fwstore.S3Configuration{
			AWSBucketName: service.S3Bucket,
			AWSRegion:     service.S3Region,
			AccessID:      service.S3AccessID,
			AccessKey:     service.S3AccessKey,
			KeyPrefix:     service.S3KeyPrefix,
		})
		if err != nil {
			panic(err)
		}
		firmware = s3
	case fwstore.None:
	default:
		panic("unknown firmware store '" + service.FirmwareStore + "'")
	}

	shadows := shadow.NewService(&shadow.Builder{
		Store: store,
		Cache: cache,
		Bus:   bus,
	})
	rollouts := rollout.NewManager(&rollout.Builder{
		Store:    store,
		Bus:      bus,
		Firmware: firmware,
	})

	broker := mqtt.NewBroker(&mqtt.Builder{
		Engine:   engine,
		Shadows:  shadows,
		Rollouts: rollouts,
		Address:  service.MQTTAddress,
		CertFile: service.CertFile,
		KeyFile:  service.KeyFile,
	})
	shadows.SetPublisher(broker)
	rollouts.SetPublisher(broker)

	bootstraps := bootstrap.NewService(&bootstrap.Builder{
		Store:    store,
		Shadows:  shadows,
		Engine:   engine,
		Profiles: profiles,
		Cache:    cache,
		Firmware: firmware,
		Bus:      bus,
		Config: bootstrap.Config{
			Brokers:           strings.Split(service.Brokers, ","),
			DefaultTenant:     service.DefaultTenant,
			TLSEnabled:        service.CertFile != "",
			CACertFingerprint: service.CAFingerprint,
			WebsocketURL:      service.WebsocketURL,
		},
	})

	catalogs := catalog.NewService(&catalog.Builder{
		Store:    store,
		Firmware: firmware,
	})

	catalog.NewAPI(&catalog.APIBuilder{Service: catalogs, Router: router})
	shadow.NewAPI(&shadow.APIBuilder{Service: shadows, Router: router})
	bootstrap.NewAPI(&bootstrap.APIBuilder{Service: bootstraps, Router: router})
	rollout.NewAPI(&rollout.APIBuilder{Manager: rollouts, Router: router})

	handler := handlers.LoggingHandler(os.Stdout, router)
	server := &http.Server{Addr: ":" + service.Port, Handler: handler}

	var runner boot.Runner
	runner.Add(boot.Component{
		Name:  "broker",
		Start: func(ctx context.Context) error { broker.Run(); return nil },
		Stop:  func(ctx context.Context) error { return broker.Stop(ctx) },
	})
	runner.Add(boot.Component{
		Name:      "http",
		DependsOn: []string{"broker"},
		Start: func(ctx context.Context) error {
			rlog.Infoln("listen on port :" + service.Port)
			go func() {
				if err := server.ListenAndServe(); err != http.ErrServerClosed {
					rlog.WithError(err).Fatal("http server failed")
				}
			}()
			return nil
		},
		Stop: func(ctx context.Context) error { return server.Shutdown(ctx) },
	})

	ctx := context.Background()
	if err := runner.Start(ctx); err != nil {
		panic(err)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	rlog.Infoln("shutting down")
	runner.Stop(ctx)
}
