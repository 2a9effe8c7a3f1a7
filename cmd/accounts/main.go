// Command accounts manages the proxy's Google account pool.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/account"
	"github.com/sorenth/cloudcode-claude-proxy/internal/auth"
	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

var serverPort = config.DefaultPort

func main() {
	args := os.Args[1:]
	command := "add"
	noBrowser := false
	var commandArg string

	for _, arg := range args {
		if arg == "--no-browser" {
			noBrowser = true
		} else if !strings.HasPrefix(arg, "-") {
			if command == "add" && commandArg == "" && !isCommand(arg) {
				commandArg = arg
			}
			if isCommand(arg) {
				command = arg
			}
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			serverPort = p
		}
	}

	printBanner()

	scanner := bufio.NewScanner(os.Stdin)

	switch command {
	case "add":
		ensureServerStopped()
		interactiveAdd(scanner, noBrowser)
	case "add-token":
		ensureServerStopped()
		addByRefreshToken(scanner)
	case "import":
		ensureServerStopped()
		importFromDatabase()
	case "list":
		listAccounts()
	case "clear":
		ensureServerStopped()
		clearAccounts(scanner)
	case "verify":
		verifyAccounts()
	case "remove":
		ensureServerStopped()
		interactiveRemove(scanner)
	case "enable", "disable":
		ensureServerStopped()
		setEnabled(commandArg, command == "enable")
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
	}
}

func isCommand(arg string) bool {
	switch arg {
	case "add", "add-token", "import", "list", "clear", "verify", "remove", "enable", "disable", "help":
		return true
	}
	return false
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║   Cloud Code Proxy Account Manager     ║")
	fmt.Println("║   Use --no-browser for headless mode   ║")
	fmt.Println("╚════════════════════════════════════════╝")
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  cloudcode-accounts add              Add account(s) via Google OAuth")
	fmt.Println("  cloudcode-accounts add-token        Add an account by refresh token")
	fmt.Println("  cloudcode-accounts import           Import from the local IDE state database")
	fmt.Println("  cloudcode-accounts list             List all accounts")
	fmt.Println("  cloudcode-accounts verify           Verify account tokens")
	fmt.Println("  cloudcode-accounts remove           Remove accounts interactively")
	fmt.Println("  cloudcode-accounts enable <email>   Enable an account")
	fmt.Println("  cloudcode-accounts disable <email>  Disable an account")
	fmt.Println("  cloudcode-accounts clear            Remove all accounts")
	fmt.Println("  cloudcode-accounts help             Show this help")
	fmt.Println("\nOptions:")
	fmt.Println("  --no-browser    Manual authorization code input (for headless servers)")
}

// newManager builds an initialized account manager backed by Redis when
// available, with the accounts.json snapshot as fallback.
func newManager(ctx context.Context) *account.Manager {
	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		fmt.Println("Warning: failed to load config:", err)
	}

	redisClient, err := redis.NewClient(redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		fmt.Println("Warning: Redis unavailable, using file storage only.")
		redisClient = nil
	}

	manager := account.NewManager(redisClient, cfg)
	if err := manager.Initialize(ctx, ""); err != nil {
		fmt.Println("Error initializing account store:", err)
		os.Exit(1)
	}
	return manager
}

// isServerRunning checks if the proxy server is running on the configured port
func isServerRunning() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", serverPort), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ensureServerStopped exits if the server is running
func ensureServerStopped() {
	if isServerRunning() {
		fmt.Printf("\n\033[31mError: the proxy server is currently running on port %d.\033[0m\n\n", serverPort)
		fmt.Println("Please stop the server (Ctrl+C) before adding or managing accounts.")
		fmt.Println("This ensures that your account changes are loaded correctly when you restart the server.")
		os.Exit(1)
	}
}

// openBrowser opens the URL in the default browser
func openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		fmt.Println("\n⚠ Could not open browser automatically.")
		fmt.Println("Please open this URL manually:", url)
	}
}

// displayAccounts shows the list of accounts
func displayAccounts(accounts []*redis.Account) {
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	fmt.Printf("\n%d account(s) saved:\n", len(accounts))
	for i, acc := range accounts {
		status := ""
		if acc.IsInvalid {
			status = " (invalid)"
		} else if !acc.Enabled {
			status = " (disabled)"
		}
		fmt.Printf("  %d. %s [%s]%s\n", i+1, acc.Email, acc.Source, status)
	}
}

// prompt reads a line of input
func prompt(scanner *bufio.Scanner, message string) string {
	fmt.Print(message)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

// addAccount adds a new account via OAuth with automatic callback
func addAccount(existingAccounts []*redis.Account) *redis.Account {
	fmt.Println("\n=== Add Google Account ===")

	result, err := auth.GetAuthorizationURL("")
	if err != nil {
		fmt.Println("Error generating auth URL:", err)
		return nil
	}

	fmt.Println("Opening browser for Google sign-in...")
	fmt.Println("(If browser does not open, copy this URL manually)")
	fmt.Printf("   %s\n\n", result.URL)

	openBrowser(result.URL)

	fmt.Println("Waiting for authentication (timeout: 2 minutes)...")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	callbackServer := auth.NewCallbackServer(result.State, 120000)
	code, err := callbackServer.Start(ctx)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return nil
	}

	fmt.Println("Received authorization code. Exchanging for tokens...")

	accountData, err := auth.CompleteOAuthFlow(ctx, code, result.Verifier)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return nil
	}

	return buildOAuthAccount(accountData, existingAccounts)
}

// addAccountNoBrowser adds a new account via manual code input
func addAccountNoBrowser(existingAccounts []*redis.Account, scanner *bufio.Scanner) *redis.Account {
	fmt.Println("\n=== Add Google Account (No-Browser Mode) ===")

	result, err := auth.GetAuthorizationURL("")
	if err != nil {
		fmt.Println("Error generating auth URL:", err)
		return nil
	}

	fmt.Println("Copy the following URL and open it in a browser on another device:")
	fmt.Printf("   %s\n\n", result.URL)
	fmt.Println("After signing in, you will be redirected to a localhost URL.")
	fmt.Println("Copy the ENTIRE redirect URL or just the authorization code.")

	input := prompt(scanner, "Paste the callback URL or authorization code: ")
	if input == "" {
		fmt.Println("\n✗ No input provided.")
		return nil
	}

	codeResult, err := auth.ExtractCodeFromInput(input)
	if err != nil {
		fmt.Printf("\n✗ %v\n", err)
		return nil
	}

	if codeResult.State != "" && codeResult.State != result.State {
		fmt.Println("\n⚠ State mismatch detected. This could indicate a security issue.")
		fmt.Println("Proceeding anyway as this is manual mode...")
	}

	fmt.Println("\nExchanging authorization code for tokens...")

	ctx := context.Background()
	accountData, err := auth.CompleteOAuthFlow(ctx, codeResult.Code, result.Verifier)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return nil
	}

	return buildOAuthAccount(accountData, existingAccounts)
}

// buildOAuthAccount turns an OAuth result into an account, or updates the
// existing account in place when the email is already known
func buildOAuthAccount(accountData *auth.OAuthFlowResult, existingAccounts []*redis.Account) *redis.Account {
	for _, acc := range existingAccounts {
		if acc.Email == accountData.Email {
			fmt.Printf("\n⚠ Account %s already exists. Updating tokens.\n", accountData.Email)
			acc.RefreshToken = accountData.RefreshToken
			acc.LastUsed = time.Now().UnixMilli()
			return acc
		}
	}

	fmt.Printf("\n✓ Successfully authenticated: %s\n", accountData.Email)
	fmt.Println("  Project will be discovered on first API request.")

	return &redis.Account{
		Email:        accountData.Email,
		RefreshToken: accountData.RefreshToken,
		Source:       "oauth",
		Enabled:      true,
	}
}

// interactiveAdd handles the interactive add flow
func interactiveAdd(scanner *bufio.Scanner, noBrowser bool) {
	if noBrowser {
		fmt.Println("\n📋 No-browser mode: You will manually paste the authorization code.")
	}

	ctx := context.Background()
	manager := newManager(ctx)
	accounts := manager.GetAllAccounts()

	if len(accounts) > 0 {
		displayAccounts(accounts)

		choice := prompt(scanner, "\n(a)dd new, (r)emove existing, (f)resh start, or (e)xit? [a/r/f/e]: ")
		switch strings.ToLower(choice) {
		case "r":
			removeLoop(scanner, manager)
			return
		case "f":
			fmt.Println("\nStarting fresh - existing accounts will be replaced.")
			for _, acc := range accounts {
				if err := manager.RemoveAccount(ctx, acc.Email); err != nil {
					fmt.Println("Error clearing accounts:", err)
					return
				}
			}
			accounts = nil
		case "e":
			fmt.Println("\nExiting...")
			return
		case "a":
			fmt.Println("\nAdding to existing accounts.")
		default:
			fmt.Println("\nInvalid choice, defaulting to add.")
		}
	}

	if len(accounts) >= config.MaxAccounts {
		fmt.Printf("\nMaximum of %d accounts reached.\n", config.MaxAccounts)
		return
	}

	var newAccount *redis.Account
	if noBrowser {
		newAccount = addAccountNoBrowser(accounts, scanner)
	} else {
		newAccount = addAccount(accounts)
	}

	if newAccount != nil {
		if err := manager.AddOrUpdateAccount(ctx, newAccount); err != nil {
			fmt.Println("Error saving account:", err)
		} else {
			fmt.Printf("\n✓ Saved account %s\n", newAccount.Email)
		}
	}

	accounts = manager.GetAllAccounts()
	if len(accounts) > 0 {
		displayAccounts(accounts)
		fmt.Println("\nTo add more accounts, run this command again.")
	} else {
		fmt.Println("\nNo accounts to save.")
	}
}

// addByRefreshToken adds an account from a pasted refresh token. Accepts the
// composite form refreshToken|projectId|managedProjectId as well.
func addByRefreshToken(scanner *bufio.Scanner) {
	fmt.Println("\n=== Add Account by Refresh Token ===")

	token := prompt(scanner, "Refresh token (or refreshToken|projectId|managedProjectId): ")
	if token == "" {
		fmt.Println("\n✗ No token provided.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Validate the token and resolve the email before saving
	tokens, err := auth.RefreshAccessToken(ctx, token)
	if err != nil {
		fmt.Printf("\n✗ Token validation failed: %v\n", err)
		return
	}

	email, err := auth.GetUserEmail(ctx, tokens.AccessToken)
	if err != nil {
		fmt.Printf("\n✗ Could not resolve account email: %v\n", err)
		return
	}

	manager := newManager(ctx)
	acc := &redis.Account{
		Email:        email,
		RefreshToken: token,
		Source:       "manual",
		Enabled:      true,
	}

	if err := manager.AddOrUpdateAccount(ctx, acc); err != nil {
		fmt.Println("Error saving account:", err)
		return
	}

	fmt.Printf("\n✓ Saved account %s\n", email)
}

// importFromDatabase imports the logged-in account from the local IDE's
// state database. Imported accounts have no refresh token of their own and
// use the IDE's session at request time.
func importFromDatabase() {
	fmt.Println("\n=== Import from IDE State Database ===")

	if !auth.IsDatabaseAccessible("") {
		fmt.Println("\n✗ State database not accessible at", config.AntigravityDBPath)
		fmt.Println("  Make sure the IDE is installed and you are logged in.")
		return
	}

	authData, err := auth.GetAuthStatus("")
	if err != nil {
		fmt.Printf("\n✗ Import failed: %v\n", err)
		return
	}

	if authData.Email == "" {
		fmt.Println("\n✗ No email found in the state database.")
		return
	}

	ctx := context.Background()
	manager := newManager(ctx)

	acc := &redis.Account{
		Email:   authData.Email,
		Source:  "database",
		Enabled: true,
	}

	if err := manager.AddOrUpdateAccount(ctx, acc); err != nil {
		fmt.Println("Error saving account:", err)
		return
	}

	fmt.Printf("\n✓ Imported account %s\n", authData.Email)
	fmt.Println("  Tokens will be read from the IDE session at request time.")
}

// removeLoop handles removing accounts interactively
func removeLoop(scanner *bufio.Scanner, manager *account.Manager) {
	ctx := context.Background()

	for {
		accounts := manager.GetAllAccounts()
		if len(accounts) == 0 {
			fmt.Println("\nNo accounts to remove.")
			return
		}

		displayAccounts(accounts)
		fmt.Println("\nEnter account number to remove (or 0 to cancel)")

		answer := prompt(scanner, "> ")
		index, err := strconv.Atoi(answer)
		if err != nil || index < 0 || index > len(accounts) {
			fmt.Println("\n❌ Invalid selection.")
			continue
		}

		if index == 0 {
			return
		}

		removed := accounts[index-1]
		confirm := prompt(scanner, fmt.Sprintf("\nAre you sure you want to remove %s? [y/N]: ", removed.Email))

		if strings.ToLower(confirm) == "y" {
			if err := manager.RemoveAccount(ctx, removed.Email); err != nil {
				fmt.Println("Error removing account:", err)
			} else {
				fmt.Printf("\n✓ Removed %s\n", removed.Email)
			}
		} else {
			fmt.Println("\nCancelled.")
		}

		removeMore := prompt(scanner, "\nRemove another account? [y/N]: ")
		if strings.ToLower(removeMore) != "y" {
			break
		}
	}
}

// interactiveRemove handles the remove command
func interactiveRemove(scanner *bufio.Scanner) {
	manager := newManager(context.Background())
	removeLoop(scanner, manager)
}

// listAccounts displays all accounts
func listAccounts() {
	manager := newManager(context.Background())
	displayAccounts(manager.GetAllAccounts())
}

// setEnabled enables or disables one account
func setEnabled(email string, enabled bool) {
	if email == "" {
		fmt.Println("\n✗ Usage: cloudcode-accounts enable|disable <email>")
		return
	}

	ctx := context.Background()
	manager := newManager(ctx)

	if err := manager.SetAccountEnabled(ctx, email, enabled); err != nil {
		fmt.Println("Error:", err)
		return
	}

	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Printf("\n✓ Account %s %s\n", email, state)
}

// clearAccounts removes all accounts
func clearAccounts(scanner *bufio.Scanner) {
	ctx := context.Background()
	manager := newManager(ctx)
	accounts := manager.GetAllAccounts()

	if len(accounts) == 0 {
		fmt.Println("No accounts to clear.")
		return
	}

	displayAccounts(accounts)

	confirm := prompt(scanner, "\nAre you sure you want to remove all accounts? [y/N]: ")
	if strings.ToLower(confirm) == "y" {
		for _, acc := range accounts {
			if err := manager.RemoveAccount(ctx, acc.Email); err != nil {
				fmt.Println("Error clearing accounts:", err)
				return
			}
		}
		fmt.Println("All accounts removed.")
	} else {
		fmt.Println("Cancelled.")
	}
}

// verifyAccounts tests all account credentials
func verifyAccounts() {
	ctx := context.Background()
	manager := newManager(ctx)
	accounts := manager.GetAllAccounts()

	if len(accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return
	}

	fmt.Println("\nVerifying accounts...")

	for _, acc := range accounts {
		if acc.Source == "database" {
			if _, err := manager.GetTokenForAccount(ctx, acc); err != nil {
				fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			} else {
				fmt.Printf("  ✓ %s - OK (IDE session)\n", acc.Email)
			}
			continue
		}

		tokens, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}

		email, err := auth.GetUserEmail(ctx, tokens.AccessToken)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}

		fmt.Printf("  ✓ %s - OK\n", email)
	}
}
