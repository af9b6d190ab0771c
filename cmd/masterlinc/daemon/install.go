// Package daemon installs masterlinc as a systemd unit or launchd agent.
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
)

// ServiceName is the unit / agent name used when none is configured.
const ServiceName = "masterlinc"

// DaemonConfig holds parameters for daemon installation.
type DaemonConfig struct {
	Name       string
	BinaryPath string
	ConfigPath string
	WorkDir    string
	User       string
	LogPath    string
	HomeDir    string
	// EnvFile holds MASTERLINC_CONFIG_KEY and other overrides. The unit
	// tolerates its absence.
	EnvFile string
}

// DaemonStatus holds the status of an installed daemon.
type DaemonStatus struct {
	Running bool
	PID     int
}

// DefaultConfig returns a DaemonConfig with auto-detected defaults.
func DefaultConfig() DaemonConfig {
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/" + ServiceName
	}

	username, homeDir := "root", "/root"
	if u, err := user.Current(); err == nil {
		username = u.Username
		homeDir = u.HomeDir
	}

	dataDir := filepath.Join(homeDir, ".local", "share", ServiceName)
	cfgDir := filepath.Join(homeDir, ".config", ServiceName)
	return DaemonConfig{
		Name:       ServiceName,
		BinaryPath: binary,
		ConfigPath: filepath.Join(cfgDir, "config.yaml"),
		WorkDir:    dataDir,
		User:       username,
		LogPath:    filepath.Join(dataDir, "logs"),
		HomeDir:    homeDir,
		EnvFile:    filepath.Join(cfgDir, "masterlinc.env"),
	}
}

// Validate checks the config and makes ConfigPath absolute, since the
// service does not start in the installer's working directory.
func (c *DaemonConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("daemon name is required")
	}
	if strings.ContainsAny(c.Name, "/ \t\n") {
		return fmt.Errorf("daemon name %q contains invalid characters", c.Name)
	}
	if c.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("binary %q is not executable", c.BinaryPath)
	}
	if c.ConfigPath != "" {
		abs, err := filepath.Abs(c.ConfigPath)
		if err != nil {
			return fmt.Errorf("config path: %w", err)
		}
		c.ConfigPath = abs
	}
	return nil
}

// Install installs the daemon on the current platform.
func Install(cfg DaemonConfig) error {
	if err := prepareDirs(cfg); err != nil {
		return err
	}
	switch runtime.GOOS {
	case "linux":
		return installSystemd(cfg)
	case "darwin":
		return installLaunchd(cfg)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall removes the daemon on the current platform.
func Uninstall(name string) error {
	switch runtime.GOOS {
	case "linux":
		return uninstallSystemd(name)
	case "darwin":
		return uninstallLaunchd(name)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Status returns the daemon status on the current platform.
func Status(name string) (*DaemonStatus, error) {
	switch runtime.GOOS {
	case "linux":
		return statusSystemd(name)
	case "darwin":
		return statusLaunchd(name)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func prepareDirs(cfg DaemonConfig) error {
	// The audit log and store may hold claim metadata.
	for _, dir := range []string{cfg.LogPath, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func render(name, text string, cfg DaemonConfig) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// --- systemd ---

const systemdTemplate = `[Unit]
Description=MasterLinc healthcare claims orchestrator ({{.Name}})
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} --config {{.ConfigPath}}
WorkingDirectory={{.WorkDir}}
User={{.User}}
Restart=on-failure
RestartSec=5
{{- if .EnvFile}}
EnvironmentFile=-{{.EnvFile}}
{{- end}}
Environment=HOME={{.HomeDir}}
StandardOutput=append:{{.LogPath}}/{{.Name}}.log
StandardError=append:{{.LogPath}}/{{.Name}}.log
NoNewPrivileges=true
PrivateTmp=true
UMask=0027

[Install]
WantedBy=multi-user.target
`

// RenderSystemdUnit renders the systemd service file content.
func RenderSystemdUnit(cfg DaemonConfig) (string, error) {
	return render("systemd", systemdTemplate, cfg)
}

func unitPath(name string) string {
	return filepath.Join("/etc/systemd/system", name+".service")
}

func installSystemd(cfg DaemonConfig) error {
	content, err := RenderSystemdUnit(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(unitPath(cfg.Name), []byte(content), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	for _, args := range [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", "--now", cfg.Name},
	} {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %s: %w", strings.Join(args, " "), out, err)
		}
	}
	return nil
}

func uninstallSystemd(name string) error {
	// best effort: the unit may already be stopped
	exec.Command("systemctl", "disable", "--now", name).Run()

	if err := os.Remove(unitPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	exec.Command("systemctl", "daemon-reload").Run()
	return nil
}

func statusSystemd(name string) (*DaemonStatus, error) {
	out, _ := exec.Command("systemctl", "is-active", name).Output()
	if strings.TrimSpace(string(out)) != "active" {
		return &DaemonStatus{}, nil
	}

	status := &DaemonStatus{Running: true}
	if pidOut, err := exec.Command("systemctl", "show", "--property=MainPID", name).Output(); err == nil {
		status.PID = parseMainPID(string(pidOut))
	}
	return status, nil
}

// parseMainPID reads "MainPID=1234" as printed by systemctl show.
func parseMainPID(out string) int {
	_, v, ok := strings.Cut(strings.TrimSpace(out), "=")
	if !ok {
		return 0
	}
	pid, _ := strconv.Atoi(v)
	return pid
}

// --- launchd ---

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{label .Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.HomeDir}}</string>
    </dict>
</dict>
</plist>
`

// LaunchdLabel is the reverse-DNS label of the launchd agent.
func LaunchdLabel(name string) string {
	return "io.masterlinc." + name
}

// RenderLaunchdPlist renders the launchd plist content.
func RenderLaunchdPlist(cfg DaemonConfig) (string, error) {
	tmpl, err := template.New("launchd").
		Funcs(template.FuncMap{"label": LaunchdLabel}).
		Parse(launchdTemplate)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func plistPath(home, name string) string {
	return filepath.Join(home, "Library", "LaunchAgents", LaunchdLabel(name)+".plist")
}

func installLaunchd(cfg DaemonConfig) error {
	content, err := RenderLaunchdPlist(cfg)
	if err != nil {
		return err
	}

	path := plistPath(cfg.HomeDir, cfg.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}

	if out, err := exec.Command("launchctl", "load", path).CombinedOutput(); err != nil {
		return fmt.Errorf("launchctl load: %s: %w", out, err)
	}
	return nil
}

func uninstallLaunchd(name string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	path := plistPath(home, name)

	exec.Command("launchctl", "unload", path).Run() // best effort
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func statusLaunchd(name string) (*DaemonStatus, error) {
	out, err := exec.Command("launchctl", "list", LaunchdLabel(name)).CombinedOutput()
	if err != nil {
		return &DaemonStatus{}, nil
	}
	return &DaemonStatus{Running: true, PID: parseLaunchctlPID(string(out))}, nil
}

// parseLaunchctlPID finds the `"PID" = 1234;` line of launchctl list output.
func parseLaunchctlPID(out string) int {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, `"PID"`) {
			continue
		}
		_, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		pid, _ := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), ";")))
		return pid
	}
	return 0
}
