package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Config captures all command-line options required to run a verification pass.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	MboxPath           string
	StorePath          string
	ExtractedDir       string
	SignedDir          string
	DetectionsDir      string
	StateDir           string
	SkipProcessed      bool
	DryRun             bool
	LogLevel           string
	LogDir             string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to SIGNWATCH_IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "Mailbox to scan for replies")
	flags.String("mbox", "", "Path to an .mbox export to scan instead of an IMAP mailbox")
	flags.String("store", "signwatch.db", "Path to the recipient record store")
	flags.String("extracted-dir", "extracted_pdfs", "Directory for extracted attachments")
	flags.String("signed-dir", "signed_pdfs", "Directory for verified signed copies")
	flags.String("detections-dir", "signature_detections", "Directory for detection preview images")
	flags.String("state-dir", defaultStateDir, "Directory for incremental pass state files")
	flags.Bool("skip-processed", false, "Skip messages already reconciled in a previous pass")
	flags.Bool("dry-run", false, "Classify attachments but do not update records or copy signed files")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (stdout only if empty)")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	imapHost, err := flags.GetString("imap-host")
	if err != nil {
		return Config{}, err
	}
	imapPort, err := flags.GetInt("imap-port")
	if err != nil {
		return Config{}, err
	}
	imapUser, err := flags.GetString("imap-user")
	if err != nil {
		return Config{}, err
	}
	imapPass, err := flags.GetString("imap-pass")
	if err != nil {
		return Config{}, err
	}
	useTLS, err := flags.GetBool("use-tls")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}
	mailbox, err := flags.GetString("mailbox")
	if err != nil {
		return Config{}, err
	}
	mboxPath, err := flags.GetString("mbox")
	if err != nil {
		return Config{}, err
	}
	storePath, err := flags.GetString("store")
	if err != nil {
		return Config{}, err
	}
	extractedDir, err := flags.GetString("extracted-dir")
	if err != nil {
		return Config{}, err
	}
	signedDir, err := flags.GetString("signed-dir")
	if err != nil {
		return Config{}, err
	}
	detectionsDir, err := flags.GetString("detections-dir")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	skipProcessed, err := flags.GetBool("skip-processed")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}

	if imapPass == "" {
		imapPass = os.Getenv("SIGNWATCH_IMAP_PASS")
	}

	if stateDir == "" {
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		IMAPHost:           imapHost,
		IMAPPort:           imapPort,
		IMAPUser:           imapUser,
		IMAPPass:           imapPass,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
		Mailbox:            mailbox,
		MboxPath:           mboxPath,
		StorePath:          storePath,
		ExtractedDir:       extractedDir,
		SignedDir:          signedDir,
		DetectionsDir:      detectionsDir,
		StateDir:           filepath.Clean(stateDir),
		SkipProcessed:      skipProcessed,
		DryRun:             dryRun,
		LogLevel:           logLevel,
		LogDir:             logDir,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.MboxPath == "" && cfg.IMAPHost == "" {
		return fmt.Errorf("either --imap-host or --mbox is required")
	}
	if cfg.MboxPath != "" && cfg.IMAPHost != "" {
		return fmt.Errorf("--imap-host and --mbox are mutually exclusive")
	}
	if cfg.IMAPHost != "" {
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required with --imap-host")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or SIGNWATCH_IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}
	if cfg.StorePath == "" {
		return fmt.Errorf("--store is required")
	}
	if cfg.ExtractedDir == "" || cfg.SignedDir == "" || cfg.DetectionsDir == "" {
		return fmt.Errorf("--extracted-dir, --signed-dir and --detections-dir must not be empty")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".signwatch", "state"), nil
}
