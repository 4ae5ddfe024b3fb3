package main

import (
	"context"
	"flag"
	"jxta/commands"
	"jxta/config"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(configFile string) *config.Config {
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	return cfg
}

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	role := initCmd.String("role", config.RoleClient, "Rendezvous role: adhoc, client or server")
	name := initCmd.String("name", "", "Peer name")
	seeds := initCmd.String("seeds", "", "Comma separated rendezvous seeds, e.g. tcp://10.0.0.1:9701")
	listen := initCmd.String("listen", ":9701", "TCP listen address")
	force := initCmd.Bool("force", false, "Overwrite an existing config")
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	registerGlobalFlags(serveCmd)

	publishCmd := flag.NewFlagSet("publish", flag.ExitOnError)
	service := publishCmd.String("service", "jxta.app.chat", "Destination service name")
	param := publishCmd.String("param", "", "Destination service parameter")
	text := publishCmd.String("text", "hello", "Message text")
	ttl := publishCmd.Int("ttl", 2, "Propagation ttl")
	wait := publishCmd.Duration("wait", 30*time.Second, "How long to wait for a rendezvous lease")
	registerGlobalFlags(publishCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		cfg.Node.Name = *name
		cfg.Network.TCPListen = *listen
		cfg.Rendezvous.Role = *role
		if *seeds != "" {
			cfg.Rendezvous.Seeds = strings.Split(*seeds, ",")
		}
		commands.RunInit(ctx, cfg, *configFile, *force)
	case "serve":
		serveCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunServe(ctx, loadConfig(*configFile))
	case "publish":
		publishCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunPublish(ctx, loadConfig(*configFile), commands.PublishOptions{
			Service: *service,
			Param:   *param,
			Text:    *text,
			TTL:     *ttl,
			Wait:    *wait,
		})
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunInfo(ctx, loadConfig(*configFile))
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
