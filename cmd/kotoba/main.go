package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/kotoba/common/environment"
	"github.com/bdobrica/kotoba/common/version"
	"github.com/bdobrica/kotoba/internal/kotoba/app"
	"github.com/bdobrica/kotoba/internal/kotoba/matrix"
)

func main() {
	fmt.Println(version.Banner("kotoba"))

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	app.SetupLogging(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "text"),
		config.Matrix.AccessToken,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kotoba, err := app.New(ctx, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize kotoba: %v\n", err)
		os.Exit(1)
	}
	defer kotoba.Stop()

	if err := kotoba.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running kotoba: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from environment variables
func loadConfig() (*app.Config, error) {
	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER")
	if err != nil {
		return nil, err
	}
	userID, err := environment.RequiredString("MATRIX_USER_ID")
	if err != nil {
		return nil, err
	}
	accessToken, err := environment.RequiredString("MATRIX_ACCESS_TOKEN")
	if err != nil {
		return nil, err
	}

	return &app.Config{
		DatabasePath: environment.StringOr("DATABASE_PATH", "./kotoba.db"),
		SettingsPath: environment.StringOr("KOTOBA_CONFIG", ""),
		HTTPAddr:     environment.StringOr("HTTP_ADDR", ""),
		AuditRoomID:  environment.StringOr("MATRIX_AUDIT_ROOM", ""),
		Welcome:      environment.StringSliceOr("KOTOBA_WELCOME", nil),
		Matrix: matrix.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: accessToken,
			Rooms:       environment.StringSliceOr("MATRIX_ROOMS", nil),
			OnlyRooms:   environment.BoolOr("MATRIX_ONLY_ROOMS", false),
			SendRate:    float64(environment.IntOr("MATRIX_SEND_RATE", 0)),
			SendBurst:   environment.IntOr("MATRIX_SEND_BURST", 1),
		},
	}, nil
}
