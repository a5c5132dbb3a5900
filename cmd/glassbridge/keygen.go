package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func runKeygen(ctx context.Context, args []string) error {
	var common commonFlags
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	common.register(fs)
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}
	cfg, err := common.load(fs)
	if err != nil {
		return err
	}

	id, err := loadIdentity(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "device id:  %s\npublic key: %s\nkey dir:    %s\n",
		id.DeviceID(), id.PublicKeyBase64(), cfg.Identity.KeyDir())
	return nil
}
