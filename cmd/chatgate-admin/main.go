// ABOUTME: Admin CLI for chatgate account lifecycle management
// ABOUTME: Uses the REST API with JWT authentication, plus a websocket chat REPL

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/finsight/chatgate/internal/client"
	"github.com/finsight/chatgate/internal/session"
)

const banner = `
       _           _             _                     _           _
   ___| |__   __ _| |_ __ _  __ _| |_ ___        __ _ __| |_ __ ___ (_)_ __
  / __| '_ \ / _' | __/ _' |/ _' | __/ _ \_____ / _' / _' | '_ ' _ \| | '_ \
 | (__| | | | (_| | || (_| | (_| | ||  __/_____| (_| \_| | | | | | | | | | |
  \___|_| |_|\__,_|\__\__, |\__,_|\__\___|      \__,_\__,_|_| |_| |_|_|_| |_|
                      |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("CHATGATE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = cmdLogin(baseURL, args)
	case "me":
		err = cmdMe(baseURL, token)
	case "status":
		err = cmdStatus(baseURL, token)
	case "accounts":
		err = cmdAccounts(baseURL, token, args)
	case "approve":
		err = cmdDecide(baseURL, token, args, "approve")
	case "reject":
		err = cmdDecide(baseURL, token, args, "reject")
	case "suspend":
		err = cmdSetStatus(baseURL, token, args, "suspended")
	case "reinstate":
		err = cmdSetStatus(baseURL, token, args, "approved")
	case "role":
		err = cmdRole(baseURL, token, args)
	case "delete":
		err = cmdDelete(baseURL, token, args)
	case "chat":
		err = cmdChat(baseURL, token, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: chatgate-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  login <email>            Log in and store the token")
	fmt.Println("  me                       Show your account")
	fmt.Println("  status                   Show gateway status and your identity")
	fmt.Println("  accounts [--status s]    List accounts (pending/approved/rejected/suspended)")
	fmt.Println("  approve <id>             Approve a pending account")
	fmt.Println("  reject <id> [--reason r] Reject a pending account")
	fmt.Println("  suspend <id>             Suspend an approved account")
	fmt.Println("  reinstate <id>           Reinstate a suspended account")
	fmt.Println("  role <id> <role>         Set an account's role (user or admin)")
	fmt.Println("  delete <id>              Delete an account")
	fmt.Println("  chat [conversation-id]   Chat with the agent (REPL)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  CHATGATE_URL             Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  CHATGATE_TOKEN           JWT token (overrides the stored token file)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  chatgate-admin login admin@example.com")
	fmt.Println("  chatgate-admin accounts --status pending")
	fmt.Println("  chatgate-admin approve 7c9e1b2a")
	fmt.Println()
}

// apiAccount mirrors the gateway's account JSON shape.
type apiAccount struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Username        string `json:"username"`
	Status          string `json:"status"`
	Role            string `json:"role"`
	CreatedAt       string `json:"created_at"`
	ApprovedAt      string `json:"approved_at,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

// doRequest performs an authenticated JSON request against the gateway.
func doRequest(method, url, token string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func requireToken(token string) error {
	if token == "" {
		return fmt.Errorf("not logged in (run: chatgate-admin login <email>)")
	}
	return nil
}

// cmdLogin authenticates and stores the token for later commands.
func cmdLogin(baseURL string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: login <email>")
	}
	email := args[0]

	fmt.Print("Password: ")
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	password = strings.TrimSpace(password)

	var resp struct {
		Token   string     `json:"token"`
		Account apiAccount `json:"account"`
	}
	err = doRequest(http.MethodPost, baseURL+"/api/auth/login", "",
		map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return err
	}

	if err := storeToken(resp.Token); err != nil {
		return fmt.Errorf("storing token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Logged in as %s (%s)\n", resp.Account.Username, resp.Account.Role)
	return nil
}

// cmdMe shows the authenticated account.
func cmdMe(baseURL, token string) error {
	if err := requireToken(token); err != nil {
		return err
	}

	var acct apiAccount
	if err := doRequest(http.MethodGet, baseURL+"/api/auth/me", token, nil, &acct); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Account")
	cyan.Println("  -------")
	printAccount(&acct)
	fmt.Println()
	return nil
}

func printAccount(a *apiAccount) {
	fmt.Printf("  ID:        %s\n", a.ID)
	fmt.Printf("  Email:     %s\n", a.Email)
	fmt.Printf("  Username:  %s\n", a.Username)
	fmt.Printf("  Status:    %s\n", a.Status)
	fmt.Printf("  Role:      %s\n", a.Role)
	if a.RejectionReason != "" {
		fmt.Printf("  Rejected:  %s\n", a.RejectionReason)
	}
}

// cmdStatus shows gateway reachability and identity.
func cmdStatus(baseURL, token string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		yellow.Printf("  Gateway:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	resp.Body.Close()

	green.Printf("  Gateway:  ")
	fmt.Printf("healthy at %s\n", baseURL)

	if token != "" {
		var acct apiAccount
		if err := doRequest(http.MethodGet, baseURL+"/api/auth/me", token, nil, &acct); err != nil {
			yellow.Printf("  Identity: ")
			color.Red("auth failed (%v)\n", err)
		} else {
			green.Printf("  Identity: ")
			fmt.Printf("%s (%s, %s)\n", acct.Username, acct.Role, acct.Status)
		}
	} else {
		yellow.Printf("  Identity: ")
		fmt.Println("(not logged in)")
	}

	fmt.Println()
	return nil
}

// cmdAccounts lists accounts, optionally filtered by status.
func cmdAccounts(baseURL, token string, args []string) error {
	if err := requireToken(token); err != nil {
		return err
	}

	var statusFilter string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--status", "-s":
			if i+1 < len(args) {
				statusFilter = args[i+1]
				i++
			}
		}
	}

	url := baseURL + "/api/admin/accounts"
	if statusFilter != "" {
		url += "?status=" + statusFilter
	}

	var resp struct {
		Accounts []apiAccount `json:"accounts"`
	}
	if err := doRequest(http.MethodGet, url, token, nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Accounts")
	cyan.Println("  --------")

	if len(resp.Accounts) == 0 {
		fmt.Println("  (no accounts)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tEMAIL\tUSERNAME\tSTATUS\tROLE\tCREATED")
	fmt.Fprintln(w, "  --\t-----\t--------\t------\t----\t-------")

	for _, a := range resp.Accounts {
		created := a.CreatedAt
		if t, err := time.Parse(time.RFC3339, a.CreatedAt); err == nil {
			created = t.Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(a.ID, 12), truncate(a.Email, 28), truncate(a.Username, 20),
			a.Status, a.Role, created)
	}
	w.Flush()
	fmt.Println()

	return nil
}

// cmdDecide approves or rejects a pending account.
func cmdDecide(baseURL, token string, args []string, action string) error {
	if err := requireToken(token); err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <account-id>", action)
	}
	targetID := args[0]

	var reason string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--reason", "-r":
			if i+1 < len(args) {
				reason = args[i+1]
				i++
			}
		}
	}

	var acct apiAccount
	err := doRequest(http.MethodPost, baseURL+"/api/admin/accounts/"+targetID+"/decide", token,
		map[string]string{"action": action, "reason": reason}, &acct)
	if err != nil {
		return err
	}

	past := "Approved"
	if action == "reject" {
		past = "Rejected"
	}
	green := color.New(color.FgGreen)
	green.Printf("✓ %s account: %s (%s)\n", past, acct.Username, acct.Status)
	return nil
}

// cmdSetStatus suspends or reinstates an account.
func cmdSetStatus(baseURL, token string, args []string, status string) error {
	if err := requireToken(token); err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: <command> <account-id>")
	}
	targetID := args[0]

	var acct apiAccount
	err := doRequest(http.MethodPost, baseURL+"/api/admin/accounts/"+targetID+"/status", token,
		map[string]string{"status": status}, &acct)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Account %s is now %s\n", acct.Username, acct.Status)
	return nil
}

// cmdRole changes an account's role.
func cmdRole(baseURL, token string, args []string) error {
	if err := requireToken(token); err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: role <account-id> <user|admin>")
	}
	targetID, role := args[0], args[1]

	var acct apiAccount
	err := doRequest(http.MethodPost, baseURL+"/api/admin/accounts/"+targetID+"/role", token,
		map[string]string{"role": role}, &acct)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Account %s is now %s\n", acct.Username, acct.Role)
	return nil
}

// cmdDelete deletes an account.
func cmdDelete(baseURL, token string, args []string) error {
	if err := requireToken(token); err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: delete <account-id>")
	}
	targetID := args[0]

	err := doRequest(http.MethodDelete, baseURL+"/api/admin/accounts/"+targetID, token, nil, nil)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Deleted account: %s\n", targetID)
	return nil
}

// cmdChat runs an interactive chat session over the websocket.
func cmdChat(baseURL, token string, args []string) error {
	if err := requireToken(token); err != nil {
		return err
	}

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws?token=" + token

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	dim := color.New(color.Faint)

	rec := client.NewReconciler()
	if len(args) > 0 {
		rec.Activate(args[0], nil)
	}

	// events signals the REPL when the round trip finished
	events := make(chan struct{}, 4)
	c := client.New(wsURL, client.Callbacks{
		OnTyping: func(typing bool) {
			if typing {
				dim.Println("  agent is thinking...")
			}
		},
		OnResponse: func(f session.ResponseFrame) {
			rec.ApplyResponse(f)
			cyan.Print("agent: ")
			fmt.Println(f.AgentMessage.Content)
			events <- struct{}{}
		},
		OnError: func(f session.ErrorFrame) {
			rec.ApplyError(f)
			color.Red("error: %s", f.Message)
			events <- struct{}{}
		},
		OnConnect: func() {
			dim.Println("  connected")
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	go c.Run(ctx)

	cyan.Println("Chat (Ctrl+D to exit)")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024)
	for {
		green.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		frame := rec.SubmitLocal(line)
		if err := c.Send(frame); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			continue
		}

		select {
		case <-events:
		case <-ctx.Done():
			return nil
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// getToken returns the JWT token from CHATGATE_TOKEN or the stored token file.
func getToken() string {
	if token := os.Getenv("CHATGATE_TOKEN"); token != "" {
		return token
	}

	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func storeToken(token string) error {
	path := tokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token+"\n"), 0600)
}

func tokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ".chatgate-token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "chatgate", "token")
}
