package main

import (
	"flag"
	"io"
	"strings"
	"time"

	"github.com/odvcencio/sparkbridge/pkg/config"
)

// sendFlags holds the flags of the default send command.
type sendFlags struct {
	configPath          string
	chatID              string
	chromeProfile       string
	timeout             int
	responseTimeout     int
	username            string
	password            string
	cookieFile          string
	headless            bool
	noHeadless          bool
	inputFile           string
	outputFile          string
	browserID           string
	noAutoLogin         bool
	noPersistentProfile bool
	attachOnly          bool
	debuggerAddress     string
	newThread           bool
	keepOpen            bool
	driver              string
	verbose             bool
	markdown            bool

	set map[string]bool
}

func newSendFlagSet(out io.Writer) (*flag.FlagSet, *sendFlags) {
	f := &sendFlags{}
	fs := flag.NewFlagSet("sparkbridge", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&f.configPath, "config", "", "Path to a config file")
	fs.StringVar(&f.chatID, "chat-id", "", "Conversation thread to continue")
	fs.StringVar(&f.chatID, "thread-id", "", "Alias for --chat-id")
	fs.StringVar(&f.chromeProfile, "chrome-profile", "", "Chrome profile directory")
	fs.IntVar(&f.timeout, "timeout", 0, "Page element wait in seconds")
	fs.IntVar(&f.responseTimeout, "response-timeout", 0, "Response wait in seconds")
	fs.StringVar(&f.username, "username", "", "SSO username")
	fs.StringVar(&f.password, "password", "", "SSO password")
	fs.StringVar(&f.cookieFile, "cookie-file", "", "Cookie file to load and refresh")
	fs.BoolVar(&f.headless, "headless", false, "Hide the browser window")
	fs.BoolVar(&f.noHeadless, "no-headless", false, "Show the browser window")
	fs.StringVar(&f.inputFile, "input-file", "", "Append this file to the message")
	fs.StringVar(&f.inputFile, "i", "", "Shorthand for --input-file")
	fs.StringVar(&f.outputFile, "output-file", "", "Also write the response to this file")
	fs.StringVar(&f.outputFile, "o", "", "Shorthand for --output-file")
	fs.StringVar(&f.browserID, "browser-id", "", "Browser session to use")
	fs.BoolVar(&f.noAutoLogin, "no-auto-login", false, "Never fill the login form")
	fs.BoolVar(&f.noPersistentProfile, "no-persistent-profile", false, "Use a throwaway Chrome profile")
	fs.BoolVar(&f.attachOnly, "attach-only", false, "Attach to a running Chrome and report its thread")
	fs.StringVar(&f.debuggerAddress, "debugger-address", "", "host:port of a Chrome with remote debugging")
	fs.BoolVar(&f.newThread, "new-thread", false, "Start a new conversation")
	fs.BoolVar(&f.keepOpen, "keep-open", false, "Keep the browser open after the call")
	fs.StringVar(&f.driver, "driver", "", "Browser driver: rod, chromedp or playwright")
	fs.BoolVar(&f.verbose, "verbose", false, "Log debug output")
	fs.BoolVar(&f.verbose, "v", false, "Shorthand for --verbose")
	fs.BoolVar(&f.markdown, "markdown", false, "Render responses as markdown on a terminal")
	return fs, f
}

// parseInterspersed parses flags that may appear before, between or after
// positional words.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		if rest[0] == "--" {
			return append(positional, rest[1:]...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func (f *sendFlags) parse(fs *flag.FlagSet, args []string) ([]string, error) {
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return nil, err
	}
	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return positional, nil
}

func (f *sendFlags) isSet(names ...string) bool {
	for _, n := range names {
		if f.set[n] {
			return true
		}
	}
	return false
}

// apply overlays explicitly set flags onto cfg. Flags win over every other
// configuration source.
func (f *sendFlags) apply(cfg *config.Config) {
	if f.isSet("chat-id", "thread-id") {
		cfg.Chat.ThreadID = config.NormalizeThreadID(f.chatID)
	}
	if f.isSet("new-thread") {
		cfg.Chat.NewThread = f.newThread
	}
	if f.isSet("chrome-profile") {
		cfg.Browser.ProfileDir = f.chromeProfile
	}
	if f.isSet("timeout") {
		cfg.Exchange.Timeout = time.Duration(f.timeout) * time.Second
	}
	if f.isSet("response-timeout") {
		cfg.Exchange.ResponseTimeout = time.Duration(f.responseTimeout) * time.Second
	}
	if f.isSet("username") {
		cfg.Auth.Username = f.username
	}
	if f.isSet("password") {
		cfg.Auth.Password = f.password
	}
	if f.isSet("no-auto-login") {
		cfg.Auth.NoAutoLogin = f.noAutoLogin
	}
	if f.isSet("cookie-file") {
		cfg.Cookies.File = f.cookieFile
	}
	// --no-headless wins when both are given.
	if f.isSet("headless") {
		cfg.Browser.Headless = f.headless
	}
	if f.isSet("no-headless") && f.noHeadless {
		cfg.Browser.Headless = false
	}
	if f.isSet("input-file", "i") {
		cfg.IO.InputFile = f.inputFile
	}
	if f.isSet("output-file", "o") {
		cfg.IO.OutputFile = f.outputFile
	}
	if f.isSet("browser-id") && strings.TrimSpace(f.browserID) != "" {
		cfg.Browser.ID = f.browserID
	}
	if f.isSet("no-persistent-profile") {
		cfg.Browser.PersistentProfile = !f.noPersistentProfile
	}
	if f.isSet("attach-only") {
		cfg.Browser.AttachOnly = f.attachOnly
	}
	if f.isSet("debugger-address") {
		cfg.Browser.DebuggerAddress = f.debuggerAddress
	}
	if f.isSet("keep-open") {
		cfg.Browser.KeepOpen = f.keepOpen
	}
	if f.isSet("driver") {
		cfg.Browser.Driver = f.driver
	}
	if f.verbose {
		cfg.Logging.Level = "debug"
	}
}
