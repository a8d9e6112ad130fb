// Package config loads the tablemill YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
type Config struct {
	Listen  string `yaml:"listen"`
	DBPath  string `yaml:"db_path"`
	DataDir string `yaml:"data_dir"`

	// PDFStoragePath is where the poller saves incoming attachments.
	// ExcelOutputPath receives finished spreadsheet artifacts.
	PDFStoragePath  string `yaml:"pdf_storage_path"`
	ExcelOutputPath string `yaml:"excel_output_path"`

	Mail     MailConfig     `yaml:"mail"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Excel    ExcelConfig    `yaml:"excel"`
	Notify   NotifyConfig   `yaml:"notify"`

	// JobRetentionDays prunes terminal jobs older than this many days.
	// 0 disables pruning; the pipeline itself never deletes jobs.
	JobRetentionDays int `yaml:"job_retention_days"`
}

// MailConfig tunes mailbox polling.
type MailConfig struct {
	CheckInterval       time.Duration `yaml:"email_check_interval"`
	MaxConcurrentChecks int           `yaml:"max_concurrent_email_checks"`
	Timeout             time.Duration `yaml:"email_timeout"`
	MaxEmailSize        int64         `yaml:"max_email_size"`
}

// PipelineConfig tunes job execution.
type PipelineConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent_pdf_processing"`
	Timeout          time.Duration `yaml:"pdf_processing_timeout"`
	MaxPDFSize       int64         `yaml:"max_pdf_size"`
	QueueMaxSize     int           `yaml:"queue_max_size"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	DroppedRowsLimit float64       `yaml:"dropped_row_threshold"`
}

// ExcelConfig bounds and names spreadsheet output.
type ExcelConfig struct {
	MaxRows   int    `yaml:"excel_max_rows"`
	MaxCols   int    `yaml:"excel_max_columns"`
	SheetName string `yaml:"excel_sheet_name"`
}

// NotifyConfig configures notification transports. SMTP is used only
// when Server is set; Desktop runs an external notifier command.
type NotifyConfig struct {
	Desktop        bool     `yaml:"enable_desktop_notifications"`
	DesktopCommand string   `yaml:"desktop_command"`
	SMTPServer     string   `yaml:"smtp_server"`
	SMTPPort       int      `yaml:"smtp_port"`
	SMTPUsername   string   `yaml:"smtp_username"`
	SMTPPassword   string   `yaml:"smtp_password"`
	FromEmail      string   `yaml:"notification_from_email"`
	Recipients     []string `yaml:"notification_recipients"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          ":8090",
		DBPath:          "tablemill.db",
		DataDir:         "data",
		PDFStoragePath:  "data/pdfs",
		ExcelOutputPath: "data/excel",
		Mail: MailConfig{
			CheckInterval:       60 * time.Second,
			MaxConcurrentChecks: 5,
			Timeout:             30 * time.Second,
			MaxEmailSize:        50 * 1024 * 1024,
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:    3,
			Timeout:          300 * time.Second,
			MaxPDFSize:       100 * 1024 * 1024,
			QueueMaxSize:     1000,
			MaxAttempts:      3,
			RetryBackoff:     5 * time.Second,
			DroppedRowsLimit: 0.5,
		},
		Excel: ExcelConfig{
			MaxRows:   1_000_000,
			MaxCols:   16_384,
			SheetName: "Processed_Data",
		},
		Notify: NotifyConfig{
			Desktop:        true,
			DesktopCommand: "notify-send",
			SMTPPort:       587,
			FromEmail:      "noreply@tablemill.local",
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig
// merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.PDFStoragePath == "" {
		return fmt.Errorf("pdf_storage_path is required")
	}
	if c.ExcelOutputPath == "" {
		return fmt.Errorf("excel_output_path is required")
	}
	if c.Mail.MaxConcurrentChecks <= 0 {
		return fmt.Errorf("max_concurrent_email_checks must be > 0")
	}
	if c.Mail.CheckInterval <= 0 {
		return fmt.Errorf("email_check_interval must be > 0")
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent_pdf_processing must be > 0")
	}
	if c.Pipeline.Timeout <= 0 {
		return fmt.Errorf("pdf_processing_timeout must be > 0")
	}
	if c.Pipeline.QueueMaxSize <= 0 {
		return fmt.Errorf("queue_max_size must be > 0")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if c.Pipeline.DroppedRowsLimit < 0 || c.Pipeline.DroppedRowsLimit > 1 {
		return fmt.Errorf("dropped_row_threshold must be in [0,1]")
	}
	if c.Excel.MaxRows <= 0 || c.Excel.MaxCols <= 0 {
		return fmt.Errorf("excel_max_rows and excel_max_columns must be > 0")
	}
	if c.Excel.SheetName == "" {
		return fmt.Errorf("excel_sheet_name is required")
	}
	if c.Notify.SMTPServer != "" && c.Notify.FromEmail == "" {
		return fmt.Errorf("notification_from_email is required when smtp_server is set")
	}
	return nil
}

// EnsureDirs creates the data directories if they don't exist.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.PDFStoragePath, c.ExcelOutputPath} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return nil
}
