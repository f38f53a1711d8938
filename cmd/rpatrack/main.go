package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/quotefleet/rpatrack/pkg/domain"
	"github.com/quotefleet/rpatrack/pkg/poller"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type client struct {
	baseURL    string
	token      string
	admin      bool
	httpClient *http.Client
}

type statusResp struct {
	SubmissionID string         `json:"submissionId"`
	Tasks        domain.TaskMap `json:"tasks"`
	Settled      bool           `json:"settled"`
}

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

type profile struct {
	BaseURL string `yaml:"baseUrl"`
	Token   string `yaml:"token"`
	Admin   bool   `yaml:"admin"`
}

type cliConfig struct {
	CurrentProfile string             `yaml:"currentProfile"`
	Profiles       map[string]profile `yaml:"profiles"`
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func (c *client) request(method, path string, body any) (int, []byte, error) {
	var buf *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(b)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, buf)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.admin {
		req.Header.Set("X-Role", "ADMIN")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, nil
}

func main() {
	baseURL := getenv("RPATRACK_BASE_URL", "http://localhost:8080")
	token := getenv("RPATRACK_TOKEN", "")
	admin := getenvBool("RPATRACK_ADMIN", isLocalURL(baseURL))
	profileName := getenv("RPATRACK_PROFILE", "")
	ui := newUI()

	root := &cobra.Command{
		Use:   "rpatrack",
		Short: "rpatrack CLI",
		Long:  "rpatrack CLI for carrier automation dispatch and status tracking.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&baseURL, "base-url", baseURL, "Base URL for rpatrack")
	root.PersistentFlags().StringVar(&token, "token", token, "Producer token")
	root.PersistentFlags().BoolVar(&admin, "admin", admin, "Send X-Role: ADMIN (dev only)")
	root.PersistentFlags().StringVar(&profileName, "profile", profileName, "Config profile")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := loadConfig()
		active := resolveProfileName(profileName, cfg)
		prof := cfg.Profiles[active]

		flags := cmd.Flags()
		if !flags.Changed("base-url") {
			if v := strings.TrimSpace(os.Getenv("RPATRACK_BASE_URL")); v != "" {
				baseURL = v
			} else if prof.BaseURL != "" {
				baseURL = prof.BaseURL
			}
		}
		if !flags.Changed("token") {
			if v := strings.TrimSpace(os.Getenv("RPATRACK_TOKEN")); v != "" {
				token = v
			} else if prof.Token != "" {
				token = prof.Token
			}
		}
		if !flags.Changed("admin") {
			if v := strings.TrimSpace(os.Getenv("RPATRACK_ADMIN")); v != "" {
				admin = getenvBool("RPATRACK_ADMIN", admin)
			} else if prof.Admin {
				admin = true
			} else if isLocalURL(baseURL) {
				admin = true
			}
		}
		if !flags.Changed("profile") && profileName == "" && active != "" {
			profileName = active
		}
		return nil
	}

	root.AddCommand(statusCmd(&baseURL, &token, &admin, ui))
	root.AddCommand(watchCmd(&baseURL, &token, ui))
	root.AddCommand(dispatchCmd(&baseURL, &token, &admin, ui))
	root.AddCommand(registerCmd(&baseURL, &token, &admin, ui))
	root.AddCommand(simulateCmd(&baseURL, &token, &admin, ui))
	root.AddCommand(configCmd(&profileName, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func statusCmd(baseURL, token *string, admin *bool, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:     "status <submissionId>",
		Short:   "Show carrier task statuses for a submission",
		Example: "rpatrack status sub-1",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			c := newClient(*baseURL, *token, *admin)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching statuses..."
			spin.Start()
			status, resp, err := c.request("GET", "/v1/rpa/submissions/"+url.PathEscape(id)+"/tasks", nil)
			spin.Stop()
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("error (%d): %s", status, string(resp))
			}
			var out statusResp
			if err := json.Unmarshal(resp, &out); err != nil {
				fmt.Println(string(resp))
				return nil
			}
			printTasks(ui, out.Tasks)
			if out.Settled {
				fmt.Println(ui.ok("[SETTLED]"), "no automation in flight")
			} else {
				fmt.Println(ui.info("[PENDING]"), "automation still running")
			}
			return nil
		},
	}
}

func watchCmd(baseURL, token *string, ui *ui) *cobra.Command {
	var intervalSec int
	cmd := &cobra.Command{
		Use:     "watch <submissionId>",
		Short:   "Poll a submission until every carrier settles",
		Example: "rpatrack watch sub-1 --interval 5",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if intervalSec <= 0 {
				intervalSec = 5
			}

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Watching " + id + "..."

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			settled := make(chan struct{})
			statusClient := poller.NewHTTPStatusClient(*baseURL, *token)
			p := poller.New(statusClient, id, poller.Options{
				Interval: time.Duration(intervalSec) * time.Second,
				OnUpdate: func(tasks domain.TaskMap, state poller.State) {
					spin.Stop()
					printTasks(ui, tasks)
					if state == poller.StateSettled {
						select {
						case settled <- struct{}{}:
						default:
						}
						return
					}
					spin.Start()
				},
			})

			done := make(chan error, 1)
			go func() { done <- p.Run(ctx) }()

			// Seed the machine with current server state so an already-settled
			// submission exits immediately.
			tasks, err := statusClient.TaskStatuses(ctx, id)
			if err != nil {
				cancel()
				<-done
				return err
			}
			p.Observe(tasks)
			if p.State() != poller.StatePolling {
				cancel()
				<-done
				fmt.Println(ui.ok("[SETTLED]"), "nothing left to watch")
				return nil
			}
			spin.Start()

			select {
			case <-settled:
				spin.Stop()
				fmt.Println(ui.ok("[SETTLED]"), "all carriers terminal")
				cancel()
				<-done
				return nil
			case <-ctx.Done():
				spin.Stop()
				fmt.Println(ui.warn("[WARN]"), "Stopping...")
				<-done
				return nil
			}
		},
	}
	cmd.Flags().IntVar(&intervalSec, "interval", 5, "Poll interval seconds")
	return cmd
}

func dispatchCmd(baseURL, token *string, admin *bool, ui *ui) *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:     "dispatch <submissionId> <carrier>",
		Short:   "Record a carrier dispatch (sets the task to queued)",
		Example: "rpatrack dispatch sub-1 encova --task-id task-77",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, carrier := args[0], args[1]
			if strings.TrimSpace(taskID) == "" {
				taskID = uuid.NewString()
			}
			c := newClient(*baseURL, *token, *admin)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Recording dispatch..."
			spin.Start()
			status, resp, err := c.request("POST", "/v1/rpa/submissions/"+url.PathEscape(id)+"/dispatch", map[string]any{
				"carrier": carrier,
				"taskId":  taskID,
			})
			spin.Stop()
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("error (%d): %s", status, string(resp))
			}
			fmt.Printf("%s Dispatched %s to %s (task %s)\n", ui.ok("[OK]"), id, carrier, taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "Worker task id (generated when empty)")
	return cmd
}

func registerCmd(baseURL, token *string, admin *bool, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:     "register <submissionId>",
		Short:   "Register a submission for tracking",
		Example: "rpatrack register sub-1",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			c := newClient(*baseURL, *token, *admin)
			status, resp, err := c.request("POST", "/v1/rpa/submissions", map[string]any{"submissionId": id})
			if err != nil {
				return err
			}
			if status == http.StatusConflict {
				fmt.Println(ui.warn("[WARN]"), "submission already registered")
				return nil
			}
			if status >= 300 {
				return fmt.Errorf("error (%d): %s", status, string(resp))
			}
			fmt.Printf("%s Submission registered: %s\n", ui.ok("[OK]"), id)
			return nil
		},
	}
}

func simulateCmd(baseURL, token *string, admin *bool, ui *ui) *cobra.Command {
	var (
		carriers string
		failLast bool
		delayMS  int
	)
	cmd := &cobra.Command{
		Use:     "simulate <submissionId>",
		Short:   "Register, dispatch and complete carriers against a dev server",
		Example: "rpatrack simulate sub-demo --carriers encova,guard,amtrust",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			list := splitCarriers(carriers)
			if len(list) == 0 {
				return errors.New("carriers are required")
			}
			c := newClient(*baseURL, *token, *admin)

			status, resp, err := c.request("POST", "/v1/rpa/submissions", map[string]any{"submissionId": id})
			if err != nil {
				return err
			}
			if status >= 300 && status != http.StatusConflict {
				return fmt.Errorf("register error (%d): %s", status, string(resp))
			}

			bar := progressbar.NewOptions(len(list)*2,
				progressbar.OptionSetDescription("Simulating carrier automation"),
				progressbar.OptionSetWidth(18),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			taskIDs := make(map[string]string, len(list))
			for _, carrier := range list {
				taskIDs[carrier] = uuid.NewString()
				status, resp, err := c.request("POST", "/v1/rpa/submissions/"+url.PathEscape(id)+"/dispatch", map[string]any{
					"carrier": carrier,
					"taskId":  taskIDs[carrier],
				})
				if err != nil {
					return err
				}
				if status >= 300 {
					return fmt.Errorf("dispatch %s error (%d): %s", carrier, status, string(resp))
				}
				_ = bar.Add(1)
			}

			for i, carrier := range list {
				if delayMS > 0 {
					time.Sleep(time.Duration(delayMS) * time.Millisecond)
				}
				body := map[string]any{
					"carrier":      carrier,
					"taskId":       taskIDs[carrier],
					"submissionId": id,
					"status":       "completed",
					"completedAt":  time.Now().UTC(),
					"result": map[string]any{
						"policy_code": strings.ToUpper(carrier) + "-" + uuid.NewString()[:8],
						"message":     "simulated completion",
					},
				}
				if failLast && i == len(list)-1 {
					body["status"] = "failed"
					body["error"] = "SimulatedFailure"
					body["errorDetails"] = "injected by rpatrack simulate"
					delete(body, "result")
				}
				status, resp, err := c.request("POST", "/webhooks/rpa-complete", body)
				if err != nil {
					return err
				}
				if status >= 300 {
					return fmt.Errorf("webhook %s error (%d): %s", carrier, status, string(resp))
				}
				_ = bar.Add(1)
			}

			fmt.Printf("%s Simulated %d carriers for %s\n", ui.ok("[OK]"), len(list), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&carriers, "carriers", "encova,guard,amtrust", "Comma-separated carrier list")
	cmd.Flags().BoolVar(&failLast, "fail-last", false, "Deliver a failed callback for the last carrier")
	cmd.Flags().IntVar(&delayMS, "delay-ms", 0, "Delay between completions")
	return cmd
}

func configCmd(profileName *string, ui *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI profiles",
	}

	var (
		setBaseURL string
		setAdmin   bool
	)
	set := &cobra.Command{
		Use:     "set",
		Short:   "Create or update a profile (prompts for the token)",
		Example: "rpatrack config set --base-url https://rpatrack.quotefleet.io",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			name := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[name]

			reader := bufio.NewReader(os.Stdin)
			if setBaseURL == "" {
				setBaseURL = prompt(reader, "Base URL", emptyOr(prof.BaseURL, "http://localhost:8080"))
			}
			tok, err := promptSecret("Producer token (leave empty to keep)")
			if err != nil {
				return err
			}
			prof.BaseURL = setBaseURL
			if tok != "" {
				prof.Token = tok
			}
			if cmd.Flags().Changed("admin") {
				prof.Admin = setAdmin
			}

			cfg.Profiles[name] = prof
			if cfg.CurrentProfile == "" {
				cfg.CurrentProfile = name
			}
			if err := saveConfig(cfg, path); err != nil {
				return err
			}
			fmt.Printf("%s Profile %s saved to %s\n", ui.ok("[OK]"), name, path)
			return nil
		},
	}
	set.Flags().StringVar(&setBaseURL, "base-url", "", "Base URL for the profile")
	set.Flags().BoolVar(&setAdmin, "admin", false, "Send X-Role: ADMIN for this profile")

	use := &cobra.Command{
		Use:   "use <profile>",
		Short: "Switch the active profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			name := args[0]
			if _, ok := cfg.Profiles[name]; !ok {
				return fmt.Errorf("unknown profile %q", name)
			}
			cfg.CurrentProfile = name
			if err := saveConfig(cfg, path); err != nil {
				return err
			}
			fmt.Printf("%s Active profile: %s\n", ui.ok("[OK]"), name)
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			name := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[name]
			fmt.Println(ui.title("Profile:"), name)
			fmt.Println(ui.dim("  config:"), path)
			fmt.Println("  baseUrl:", emptyOr(prof.BaseURL, "<unset>"))
			fmt.Println("  token:  ", maskToken(prof.Token))
			fmt.Println("  admin:  ", prof.Admin)
			return nil
		},
	}

	cmd.AddCommand(set, use, show)
	return cmd
}

func printTasks(ui *ui, tasks domain.TaskMap) {
	if len(tasks) == 0 {
		fmt.Println(ui.dim("  (no carriers tracked)"))
		return
	}
	carriers := make([]string, 0, len(tasks))
	for c := range tasks {
		carriers = append(carriers, string(c))
	}
	sort.Strings(carriers)
	for _, name := range carriers {
		task := tasks[domain.Carrier(name)]
		label := ""
		switch task.Status {
		case domain.StatusCompleted:
			label = ui.ok(string(task.Status))
		case domain.StatusFailed:
			label = ui.err(string(task.Status))
		case domain.StatusProcessing:
			label = ui.info(string(task.Status))
		default:
			label = ui.dim(string(task.Status))
		}
		line := fmt.Sprintf("  %-10s %s", name, label)
		if task.Status == domain.StatusCompleted {
			if code, ok := task.Result["policy_code"].(string); ok {
				line += ui.dim("  policy " + code)
			}
		}
		if task.Status == domain.StatusFailed && task.Error != "" {
			line += ui.dim("  " + task.Error)
		}
		fmt.Println(line)
	}
}

func newClient(baseURL, token string, admin bool) *client {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		admin:      admin,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getenvBool(k string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

func isLocalURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == "localhost" || host == "127.0.0.1"
}

func splitCarriers(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func helpTemplate(ui *ui) string {
	title := ui.title("rpatrack")
	return fmt.Sprintf(`%s — CLI for carrier automation tracking

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  rpatrack register sub-1
  rpatrack dispatch sub-1 encova
  rpatrack status sub-1
  rpatrack watch sub-1
  rpatrack simulate sub-demo --carriers encova,guard

`, title, configPath())
}

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("RPATRACK_CONFIG_DIR")); v != "" {
		return filepath.Join(v, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".rpatrack", "config.yaml")
}

func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	b, err := termReadPassword()
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func termReadPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		return []byte(strings.TrimSpace(line)), err
	}
	return term.ReadPassword(fd)
}

func loadConfig() (cliConfig, string, error) {
	path := configPath()
	var cfg cliConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cliConfig{Profiles: map[string]profile{}}, path, nil
		}
		return cfg, path, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]profile{}
	}
	return cfg, path, nil
}

func saveConfig(cfg cliConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func resolveProfileName(flag string, cfg cliConfig) string {
	if strings.TrimSpace(flag) != "" {
		return strings.TrimSpace(flag)
	}
	if v := strings.TrimSpace(os.Getenv("RPATRACK_PROFILE")); v != "" {
		return v
	}
	if cfg.CurrentProfile != "" {
		return cfg.CurrentProfile
	}
	return "default"
}

func prompt(r *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "<unset>"
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func emptyOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
