package cmd

import (
	"fmt"
	"os"
	"strings"

	dotenv "github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wormhole-demo/txengine/internal/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "txengine",
	Short: "Reliable transaction submission for EVM chains",
	Long: `Builds, signs, broadcasts and confirms EVM transactions, retrying
transient RPC, broadcast and confirmation failures with fresh gas and nonce.

Chains, gas floors and retry settings come from TXENGINE_* environment
variables, an optional config file and the flags below.`,
}

func init() {
	// Tentatively load .env file
	_ = dotenv.Load()

	rootCmd.PersistentFlags().Bool(
		"debug",
		false,
		"Enables debug output.")

	rootCmd.PersistentFlags().Bool(
		"json",
		false,
		"Enables structured logging in JSON format.")

	rootCmd.PersistentFlags().String(
		"config",
		"",
		"Config file (yaml, toml or json)")

	rootCmd.PersistentFlags().String(
		"otlp-endpoint",
		"",
		"OTLP/HTTP collector for traces, e.g. localhost:4318 (disabled when empty)")

	rootCmd.PersistentFlags().String(
		"metrics-addr",
		"",
		"Address to serve Prometheus metrics on, e.g. :9090 (disabled when empty)")

	viper.BindPFlag("telemetry.otlp_endpoint", rootCmd.PersistentFlags().Lookup("otlp-endpoint"))
	viper.BindPFlag("metrics.listen_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))

	cobra.OnInitialize(initConfig)
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper()) // read in environment variables that match

	if path, _ := rootCmd.PersistentFlags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read config file %s: %v\n", path, err)
			os.Exit(1)
		}
	}
}

func printBanner() {
	colours := []string{
		"\033[38;5;81m", // Cyan
		"\033[38;5;75m", // Light Blue
		"\033[38;5;69m", // Sky Blue
		"\033[38;5;63m", // Dodger Blue
		"\033[38;5;57m", // Deep Sky Blue
		"\033[38;5;51m", // Cornflower Blue
	}
	banner := `
 __                                      __
|  |_ __ __   ____   ____    ____   ____|__| ____   ____
|   _\\ \/  /_/ __ \ /    \  / ___\ /    \  |/    \_/ __ \
|  |  >    < \  ___/|   |  \/ /_/  >   |  \  |   |  \  ___/
|__| /__/\_ \ \___  >___|  /\___  /|___|  /__|___|  /\___  >
           \/     \/     \//_____/      \/        \/     \/
`
	lines := strings.Split(banner, "\n")

	// remove empty lines
	for i := 0; i < len(lines); i++ {
		if lines[i] == "" {
			lines = append(lines[:i], lines[i+1:]...)
			i--
		}
	}

	for i, line := range lines {
		fmt.Printf("%s%s\n", colours[i%len(colours)], line)
	}

	fmt.Println("\033[0m") // Reset
}

func configureLogging(cmd *cobra.Command, _ []string) *zap.Logger {
	debug, _ := cmd.Flags().GetBool("debug")
	json, _ := cmd.Flags().GetBool("json")

	var logConfig zap.Config
	if debug {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		logConfig.Development = true
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		logConfig = zap.NewProductionConfig()
		logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if json {
		logConfig.Encoding = "json"
		logConfig.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	} else {
		logConfig.Encoding = "console"
		logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := logConfig.Build()
	if err != nil {
		// Fallback to a basic logger if config fails
		logger, _ = zap.NewProduction()
	}

	zap.ReplaceGlobals(logger)

	return logger
}
