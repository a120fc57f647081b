package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"bankcore.org/internal/auth"
	"bankcore.org/internal/obs"
	"bankcore.org/internal/store/pg"
)

func main() {
	var (
		secret = flag.String("secret", os.Getenv("BANKCORE_AUTH_SECRET"), "HS256 signing secret")
		issuer = flag.String("issuer", auth.DefaultIssuer, "token issuer")
		user   = flag.String("user", "", "user id (token subject)")
		phone  = flag.String("phone", "", "10-digit phone to bind to the user")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		dsn    = flag.String("dsn", os.Getenv("BANKCORE_PG_DSN"), "register -phone in this database when set")
	)
	flag.Parse()

	logger, err := obs.NewLogger("info")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *user == "" {
		logger.Fatal("-user is required")
	}

	signer, err := auth.NewSigner(*secret, *issuer)
	if err != nil {
		logger.Fatal("signer", zap.Error(err))
	}

	if *phone != "" && *dsn != "" {
		store, err := pg.Open(*dsn)
		if err != nil {
			logger.Fatal("open db", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = store.RegisterPhone(ctx, *user, *phone)
		cancel()
		_ = store.Close()
		if err != nil {
			logger.Fatal("register phone", zap.Error(err))
		}
		logger.Info("phone registered", zap.String("user_id", *user))
	}

	token, err := signer.Issue(*user, *phone, *ttl)
	if err != nil {
		logger.Fatal("issue token", zap.Error(err))
	}
	fmt.Println(token)
}
