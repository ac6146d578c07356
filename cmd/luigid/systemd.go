package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const systemdUnitTemplate = `[Unit]
Description=Luigi Host Gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecPath}} --config {{.ConfigPath}}
Restart=on-failure
RestartSec=5s
StandardOutput=journal
StandardError=journal
SyslogIdentifier=luigid

# The gateway spawns systemctl/apt-get and must stay root, but everything
# else is locked down.
NoNewPrivileges=false
PrivateTmp=true
ProtectHome=read-only
ReadWritePaths={{.DataDir}} {{.AuditDir}}

[Install]
WantedBy=multi-user.target
`

type systemdUnit struct {
	ExecPath   string
	ConfigPath string
	DataDir    string
	AuditDir   string
}

// installSystemd writes the luigid unit file. Enabling and starting are left
// to the operator; the gateway never manages its own unit through the
// sandbox.
func installSystemd(args []string) error {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	unitPath := fs.String("unit", "/etc/systemd/system/luigid.service", "Unit file destination")
	if err := fs.Parse(args); err != nil {
		return err
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("resolve executable symlinks: %w", err)
	}

	tmpl, err := template.New("unit").Parse(systemdUnitTemplate)
	if err != nil {
		return fmt.Errorf("parse unit template: %w", err)
	}

	f, err := os.OpenFile(*unitPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	defer f.Close()

	err = tmpl.Execute(f, systemdUnit{
		ExecPath:   execPath,
		ConfigPath: *configPath,
		DataDir:    "/var/lib/luigid",
		AuditDir:   "/var/log/luigid",
	})
	if err != nil {
		return fmt.Errorf("render unit file: %w", err)
	}

	fmt.Printf("Installed %s\n", *unitPath)
	fmt.Println("Run: systemctl daemon-reload && systemctl enable --now luigid")
	return nil
}
