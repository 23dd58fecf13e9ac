// Package wizard provides an interactive setup wizard for pixelping.
package wizard

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/pixelping/internal/config"
	"github.com/postalsys/pixelping/internal/protocol"
)

// ErrNotInteractive is returned when stdin is not a terminal.
var ErrNotInteractive = errors.New("setup wizard requires an interactive terminal")

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	ConfigPath string
	Prefix48   string

	BackendType  string
	TunIface     string
	CaptureIface string

	CanvasSize      string
	BackgroundColor string
	CanvasFile      string

	ListenAddr string

	LogLevel      string
	HealthEnabled bool
}

// DefaultAnswers returns the values the prompts start from.
func DefaultAnswers() Answers {
	d := config.Default()
	return Answers{
		ConfigPath:      "./config.yaml",
		BackendType:     d.Backend.BackendType,
		TunIface:        d.Backend.TunIface,
		CaptureIface:    d.Backend.CaptureIface,
		CanvasSize:      strconv.Itoa(d.Canvas.Size),
		BackgroundColor: d.Canvas.BackgroundColor,
		CanvasFile:      d.Canvas.Filename,
		ListenAddr:      d.WebSocket.ListenAddr,
		LogLevel:        d.Agent.LogLevel,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, ErrNotInteractive
	}

	w.printBanner()

	a := DefaultAnswers()

	// Step 1: Basic setup
	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}

	// Step 2: Packet backend
	if err := w.askBackend(&a); err != nil {
		return nil, err
	}

	// Step 3: Canvas
	if err := w.askCanvas(&a); err != nil {
		return nil, err
	}

	// Step 4: Advanced options
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
       _          _       _
 _ __ (_)_  _____| |_ __ (_)_ __   __ _
| '_ \| \ \/ / _ \ | '_ \| | '_ \ / _' |
| |_) | |>  <  __/ | |_) | | | | | (_| |
| .__/|_/_/\_\___|_| .__/|_|_| |_|\__, |
|_|                |_|            |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Ping-a-Pixel Canvas - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where the configuration lives and which prefix the canvas is drawn in."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),

			huh.NewInput().
				Title("IPv6 /48 Prefix").
				Description("The prefix routed to this host, e.g. 2602:fa9b:42::").
				Placeholder("2602:fa9b:42::").
				Value(&a.Prefix48).
				Validate(func(s string) error {
					_, err := config.ParsePrefix48(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askBackend(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Packet Backend").
				Description("How echo requests reach pixelping."),

			huh.NewSelect[string]().
				Title("Backend").
				Options(
					huh.NewOption("TUN with user-space filter (recommended)", config.BackendTunStack),
					huh.NewOption("Raw TUN (OS routes the prefix to the device)", config.BackendRawTun),
					huh.NewOption("Passive capture (read-only, no replies)", config.BackendCapture),
				).
				Value(&a.BackendType),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	iface := &a.TunIface
	title := "TUN Interface"
	if a.BackendType == config.BackendCapture {
		iface = &a.CaptureIface
		title = "Capture Interface"
	}

	ifaceForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Value(iface).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("interface name is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return ifaceForm.Run()
}

func (w *Wizard) askCanvas(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Canvas").
				Description("Size, background and where the canvas is saved."),

			huh.NewInput().
				Title("Canvas Size").
				Description(fmt.Sprintf("Side length in pixels (%d-%d)", config.MinCanvasSize, config.MaxCanvasSize)).
				Value(&a.CanvasSize).
				Validate(validateCanvasSize),

			huh.NewInput().
				Title("Background Color").
				Description("Initial fill, #rrggbb").
				Value(&a.BackgroundColor).
				Validate(func(s string) error {
					_, err := protocol.ParseRGB(s)
					return err
				}),

			huh.NewInput().
				Title("Canvas File").
				Description("PNG file the canvas is loaded from and saved to").
				Value(&a.CanvasFile).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("canvas file is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Live View Address").
				Description("Address the viewer WebSocket listens on").
				Value(&a.ListenAddr).
				Validate(func(s string) error {
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateCanvasSize(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("size must be a number")
	}
	if n < config.MinCanvasSize || n > config.MaxCanvasSize {
		return fmt.Errorf("size must be between %d and %d", config.MinCanvasSize, config.MaxCanvasSize)
	}
	return nil
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Agent.LogLevel = a.LogLevel
	cfg.Agent.LogFormat = "text"

	cfg.Backend.Prefix48 = a.Prefix48
	cfg.Backend.BackendType = a.BackendType
	if a.TunIface != "" {
		cfg.Backend.TunIface = a.TunIface
	}
	if a.CaptureIface != "" {
		cfg.Backend.CaptureIface = a.CaptureIface
	}

	size, err := strconv.Atoi(a.CanvasSize)
	if err != nil {
		return nil, fmt.Errorf("canvas size: %w", err)
	}
	cfg.Canvas.Size = size
	if c, err := protocol.ParseRGB(a.BackgroundColor); err == nil {
		cfg.Canvas.BackgroundColor = c.String()
	} else {
		cfg.Canvas.BackgroundColor = a.BackgroundColor
	}
	cfg.Canvas.Filename = a.CanvasFile

	cfg.WebSocket.ListenAddr = a.ListenAddr

	cfg.Health.Enabled = a.HealthEnabled

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# pixelping configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Backend:      %s\n", cfg.Backend.BackendType)
	fmt.Printf("  Canvas:       %dx%d, %s\n", cfg.Canvas.Size, cfg.Canvas.Size, cfg.Canvas.Filename)
	fmt.Printf("  Live view:    ws://%s%s\n", cfg.WebSocket.ListenAddr, cfg.WebSocket.Path)

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	if prefix, err := config.ParsePrefix48(cfg.Backend.Prefix48); err == nil {
		fmt.Printf("  Address:      %s\n", protocol.AddressTemplate(prefix))
	}

	fmt.Println()
	fmt.Println("  To start the canvas:")
	fmt.Printf("    pixelping run -c %s\n", configPath)
	fmt.Println()
}
