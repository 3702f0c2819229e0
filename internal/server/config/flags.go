package config

import (
	"flag"
	"os"
	"time"

	"github.com/avolkov/filedepot/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-o string   depot blob root directory
//	-w string   depot public base URL
//	-s string   depot link signing key
//	-u string   R2 access key id
//	-p string   R2 secret access key
//	-e string   R2 endpoint
//	-b string   R2 bucket name
//	-g string   R2 region
//	-t int      upload ticket TTL, minutes
//	-r int      download URL TTL, minutes
//	-i int      sweep interval, minutes
//	-n int      sweep page limit
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:],
		[]string{"-d", "-o", "-w", "-s", "-u", "-p", "-e", "-b", "-g", "-t", "-r", "-i", "-n"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.DepotDir, "o", config.DepotDir, "depot blob root directory")
	fs.StringVar(&config.DepotBaseURL, "w", config.DepotBaseURL, "depot public base URL")
	fs.StringVar(&config.DepotSigningKey, "s", config.DepotSigningKey, "depot link signing key")

	fs.StringVar(&config.R2AccessKeyID, "u", config.R2AccessKeyID, "R2 access key id")
	fs.StringVar(&config.R2SecretAccessKey, "p", config.R2SecretAccessKey, "R2 secret access key")
	fs.StringVar(&config.R2Endpoint, "e", config.R2Endpoint, "R2 endpoint")
	fs.StringVar(&config.R2Bucket, "b", config.R2Bucket, "R2 bucket name")
	fs.StringVar(&config.R2Region, "g", config.R2Region, "R2 region")

	uploadTicketTTL := fs.Int("t", int(config.UploadTicketTTL.Minutes()), "upload ticket TTL (in minutes)")
	downloadURLTTL := fs.Int("r", int(config.DownloadURLTTL.Minutes()), "download URL TTL (in minutes)")
	sweepInterval := fs.Int("i", int(config.SweepInterval.Minutes()), "sweep interval (in minutes)")
	fs.IntVar(&config.SweepLimit, "n", config.SweepLimit, "sweep page limit")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.UploadTicketTTL = time.Duration(*uploadTicketTTL) * time.Minute
	config.DownloadURLTTL = time.Duration(*downloadURLTTL) * time.Minute
	config.SweepInterval = time.Duration(*sweepInterval) * time.Minute
}
