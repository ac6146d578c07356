// Command luigictl is the admin CLI for a luigid gateway. It talks to the
// gateway's HTTP API; it never touches the host directly.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagUser     string
	flagPassword string
	flagJSON     bool
	flagYes      bool
	flagLines    int
)

var (
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	bold   = lipgloss.NewStyle().Bold(true)
	dim    = lipgloss.NewStyle().Faint(true)
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "luigictl",
	Short: "Luigi host gateway CLI",
	Long:  `Manage Luigi modules and the host through a running luigid gateway.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", envOr("LUIGI_SERVER", "http://127.0.0.1:8470"), "Gateway base URL")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", os.Getenv("LUIGI_USER"), "Gateway username")
	rootCmd.PersistentFlags().StringVar(&flagPassword, "password", os.Getenv("LUIGI_PASSWORD"), "Gateway secret")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Raw JSON output")

	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(updateCmd)

	logsCmd.Flags().IntVar(&flagLines, "lines", 100, "Number of journal lines")
	rebootCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "Skip the interactive confirmation")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// call performs one authenticated request and decodes the response envelope.
func call(method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(flagServer, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(flagUser, flagPassword)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := out["message"].(string)
		if msg == "" {
			msg = resp.Status
		}
		return out, fmt.Errorf("%s", msg)
	}
	return out, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List registered modules",
	RunE: func(_ *cobra.Command, _ []string) error {
		out, err := call(http.MethodGet, "/api/modules", nil)
		if err != nil {
			return err
		}
		if flagJSON {
			printJSON(out)
			return nil
		}
		mods, _ := out["modules"].([]any)
		if len(mods) == 0 {
			fmt.Println(dim.Render("no modules registered"))
			return nil
		}
		for _, m := range mods {
			mod, _ := m.(map[string]any)
			fmt.Printf("%s  %s\n", bold.Render(str(mod["id"])), dim.Render(str(mod["unit"])))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <module>",
	Short: "Show a module's service state",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		out, err := call(http.MethodGet, "/api/modules/"+args[0]+"/status", nil)
		if err != nil {
			return err
		}
		if flagJSON {
			printJSON(out)
			return nil
		}
		st, _ := out["status"].(map[string]any)
		active := str(st["active"])
		style := red
		if active == "active" {
			style = green
		}
		fmt.Printf("%s  active=%s enabled=%s\n", bold.Render(args[0]), style.Render(active), str(st["enabled"]))
		return nil
	},
}

var serviceCmd = &cobra.Command{
	Use:       "service <module> <verb>",
	Short:     "Run a lifecycle verb (start|stop|restart|enable|disable)",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"start", "stop", "restart", "enable", "disable"},
	RunE: func(_ *cobra.Command, args []string) error {
		out, err := call(http.MethodPost, "/api/modules/"+args[0]+"/"+args[1], map[string]any{})
		if err != nil {
			return err
		}
		if flagJSON {
			printJSON(out)
			return nil
		}
		if ok, _ := out["success"].(bool); ok {
			fmt.Println(green.Render("ok ") + args[1] + " " + args[0])
		} else {
			fmt.Println(yellow.Render("exited non-zero: ") + str(out["output"]))
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <module>",
	Short: "Show a module's recent journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		out, err := call(http.MethodGet, fmt.Sprintf("/api/modules/%s/logs?lines=%d", args[0], flagLines), nil)
		if err != nil {
			return err
		}
		if flagJSON {
			printJSON(out)
			return nil
		}
		fmt.Print(str(out["logs"]))
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show host metrics",
	RunE: func(_ *cobra.Command, _ []string) error {
		out, err := call(http.MethodGet, "/api/system/info", nil)
		if err != nil {
			return err
		}
		if flagJSON {
			printJSON(out)
			return nil
		}
		info, _ := out["info"].(map[string]any)
		fmt.Println(bold.Render(str(info["hostname"])))
		fmt.Printf("  uptime:  %.1f h\n", num(info["uptime_hours"]))
		fmt.Printf("  cpu:     %.1f °C\n", num(info["cpu_temperature_c"]))
		fmt.Printf("  memory:  %.1f %%\n", num(info["memory_used_percent"]))
		fmt.Printf("  disk:    %.1f %%\n", num(info["disk_used_percent"]))
		fmt.Printf("  load:    %.2f\n", num(info["load_1m"]))
		return nil
	},
}

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the host",
	RunE: func(_ *cobra.Command, _ []string) error {
		if !flagYes {
			fmt.Print("Reboot the host? Type 'yes' to continue: ")
			var answer string
			fmt.Scanln(&answer)
			if answer != "yes" {
				fmt.Println(dim.Render("aborted"))
				return nil
			}
		}
		out, err := call(http.MethodPost, "/api/system/reboot", map[string]any{"confirm": true})
		if err != nil {
			return err
		}
		if flagJSON {
			printJSON(out)
			return nil
		}
		fmt.Println(green.Render("reboot initiated"))
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Refresh the package index and upgrade",
	RunE: func(_ *cobra.Command, _ []string) error {
		out, err := call(http.MethodPost, "/api/system/update", map[string]any{})
		if err != nil {
			return err
		}
		if flagJSON {
			printJSON(out)
			return nil
		}
		fmt.Println(green.Render("update complete"))
		fmt.Print(dim.Render(str(out["output"])))
		return nil
	},
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}
