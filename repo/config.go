package repo

import (
	"bufio"
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/mitchellh/go-homedir"
	"github.com/natefinch/lumberjack"
	"github.com/op/go-logging"
)

const (
	defaultConfigFilename = "fdpindex.conf"
	defaultLogFilename    = "fdpindex.log"
)

var log = logging.MustGetLogger("REPO")

//go:embed sample-fdpindex.conf
var sampleConfig []byte

var (
	DefaultHomeDir    = AppDataDir("fdpindex")
	defaultConfigFile = filepath.Join(DefaultHomeDir, defaultConfigFilename)

	fileLogFormat   = logging.MustStringFormatter(`%{time:2006-01-02 T15:04:05.000} [%{level}] [%{module}] %{message}`)
	stdoutLogFormat = logging.MustStringFormatter(`%{color:reset}%{color}%{time:15:04:05} [%{level}] [%{module}] %{message}`)
	LogLevelMap     = map[string]logging.Level{
		"debug":    logging.DEBUG,
		"info":     logging.INFO,
		"notice":   logging.NOTICE,
		"warning":  logging.WARNING,
		"error":    logging.ERROR,
		"critical": logging.CRITICAL,
	}

	// DefaultDenyList rejects pings announcing a loopback URL.
	DefaultDenyList = []string{
		`^(http|https)://localhost(:[0-9]+){0,1}.*$`,
	}
)

// Config defines the configuration options for the index.
//
// See LoadConfig for details on the configuration load process.
type Config struct {
	ShowVersion bool   `short:"v" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"d" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	LogLevel    string `short:"l" long:"loglevel" description:"Set the logging level [debug, info, notice, warning, error, critical]." default:"info"`

	APIListen  string `long:"apilisten" description:"The interface/port the HTTP API listens on" default:":8080"`
	AdminToken string `long:"admintoken" description:"Bearer token granting the administrative capability. Admin routes are disabled when empty."`
	TrustProxy bool   `long:"trustproxy" description:"Use the first X-Forwarded-For hop as the source address of pings"`

	RateLimitPolicy     string        `long:"ratelimitpolicy" description:"Rate limit algorithm [fixed, sliding, token]" default:"fixed"`
	PingRateLimitHits   uint          `long:"pingratelimithits" description:"Maximum pings per source address and per client URL within the window" default:"10"`
	PingRateLimitWindow time.Duration `long:"pingratelimitwindow" description:"The ping rate limit window" default:"6h"`
	IPRateLimitHits     uint          `long:"ipratelimithits" description:"Maximum pings per source address within the window. Defaults to pingratelimithits."`
	IPRateLimitWindow   time.Duration `long:"ipratelimitwindow" description:"The source address rate limit window. Defaults to pingratelimitwindow."`
	URLRateLimitHits    uint          `long:"urlratelimithits" description:"Maximum pings per client URL within the window. Defaults to pingratelimithits."`
	URLRateLimitWindow  time.Duration `long:"urlratelimitwindow" description:"The client URL rate limit window. Defaults to pingratelimitwindow."`
	DenyList            []string      `long:"denylist" description:"Regular expression of client URLs whose pings are rejected. May be repeated."`
	AutoPermit          bool          `long:"autopermit" description:"Permit newly announced entries without administrator review"`
	ValidDuration       time.Duration `long:"validduration" description:"How long a valid entry is shown as active after its last retrieval" default:"168h"`

	NumWorkers             uint          `short:"w" long:"workers" description:"Number of workers to use when harvesting entries" default:"12"`
	HarvestQueue           uint          `long:"harvestqueue" description:"Maximum number of queued harvest jobs" default:"1024"`
	RetrievalTimeout       time.Duration `long:"retrievaltimeout" description:"Timeout of a single metadata retrieval" default:"1m"`
	RetrievalRateLimitWait time.Duration `long:"retrievalratelimitwait" description:"Minimum time between two retrievals of the same entry" default:"10m"`
	RetrievalMaxBody       int64         `long:"retrievalmaxbody" description:"Maximum number of bytes read from a retrieved self-description" default:"1048576"`
	RecheckInterval        time.Duration `long:"recheckinterval" description:"How often stale entries are re-harvested. Zero disables." default:"24h"`

	WebhookWorkers      uint          `long:"webhookworkers" description:"Number of webhook delivery workers" default:"4"`
	WebhookQueue        uint          `long:"webhookqueue" description:"Maximum number of queued webhook deliveries" default:"256"`
	WebhookTimeout      time.Duration `long:"webhooktimeout" description:"Timeout of a single webhook delivery" default:"1m"`
	WebhookSignature    string        `long:"webhooksignature" description:"Webhook signature scheme [hmac-sha256, sha1]" default:"hmac-sha256"`
	WebhookBackpressure string        `long:"webhookbackpressure" description:"What to do when the delivery queue is full [drop, block]. With block, ping responses wait for room in the queue" default:"drop"`

	RPCCert       string `long:"rpccert" description:"A path to the SSL certificate to use with gRPC"`
	RPCKey        string `long:"rpckey" description:"A path to the SSL key to use with gRPC"`
	GrpcListener  string `long:"grpclisten" description:"Add an interface/port to listen for gRPC connections"`
	GrpcAuthToken string `long:"grpcauthtoken" description:"Set a token here if you want to enable client authentication with gRPC"`

	DBDialect string `long:"dbdialect" description:"The type of database to use [sqlite3, mysql, postgres]" default:"sqlite3"`
	DBHost    string `long:"dbhost" description:"The host:post location of the database."`
	DBUser    string `long:"dbuser" description:"The database username"`
	DBPass    string `long:"dbpass" description:"The database password"`
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
// 	1) Start with a default config with sane settings
// 	2) Pre-parse the command line to check for an alternative config file
// 	3) Load configuration file overwriting defaults with any specified options
// 	4) Parse CLI options and overwrite/add any specified options
//
// The above results in the index functioning properly without any config settings
// while still allowing the user to override settings with config files and
// command line options.  Command line options always take precedence.
func LoadConfig() (*Config, error) {
	// Default config.
	cfg := Config{
		DataDir:    DefaultHomeDir,
		ConfigFile: defaultConfigFile,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.IgnoreUnknown)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return nil, err
		}
	}
	if preCfg.DataDir != DefaultHomeDir && preCfg.ConfigFile == defaultConfigFile {
		preCfg.ConfigFile = filepath.Join(preCfg.DataDir, defaultConfigFilename)
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", VersionString())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.IgnoreUnknown)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		err := createDefaultConfigFile(preCfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a "+
				"default config file: %v\n", err)
		}
	}

	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config "+
				"file: %v\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	if _, err := parser.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	if cfg.LogDir == "" {
		cfg.LogDir = cleanAndExpandPath(path.Join(cfg.DataDir, "logs"))
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.Errorf("%v", configFileError)
	}
	setupLogging(cfg.LogDir, cfg.LogLevel)
	return &cfg, nil
}

// Validate checks option values that go-flags cannot check on its own
// and fills in the default deny list.
func (cfg *Config) Validate() error {
	if cfg.NumWorkers == 0 {
		return errors.New("workers must not be zero")
	}
	if cfg.WebhookWorkers == 0 {
		return errors.New("webhook workers must not be zero")
	}
	if cfg.PingRateLimitHits == 0 {
		return errors.New("ping rate limit hits must not be zero")
	}
	if cfg.PingRateLimitWindow <= 0 {
		return errors.New("ping rate limit window must be positive")
	}
	if cfg.IPRateLimitWindow < 0 || cfg.URLRateLimitWindow < 0 {
		return errors.New("ping rate limit window must be positive")
	}
	if cfg.RetrievalTimeout <= 0 || cfg.WebhookTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	switch strings.ToLower(cfg.RateLimitPolicy) {
	case "fixed", "sliding", "token":
	default:
		return fmt.Errorf("unknown rate limit policy %q", cfg.RateLimitPolicy)
	}
	switch strings.ToLower(cfg.WebhookBackpressure) {
	case "drop", "block":
	default:
		return fmt.Errorf("unknown webhook backpressure policy %q", cfg.WebhookBackpressure)
	}
	if len(cfg.DenyList) == 0 {
		cfg.DenyList = DefaultDenyList
	}
	for _, expr := range cfg.DenyList {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("invalid deny list expression %q: %w", expr, err)
		}
	}
	if _, ok := LogLevelMap[strings.ToLower(cfg.LogLevel)]; !ok {
		return errors.New("invalid log level")
	}
	return nil
}

// createDefaultConfigFile copies the embedded sample config to the given
// destination path.
func createDefaultConfigFile(destinationPath string) error {
	// Create the destination directory if it does not exists
	err := os.MkdirAll(filepath.Dir(destinationPath), 0700)
	if err != nil {
		return err
	}

	dest, err := os.OpenFile(destinationPath,
		os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dest.Close()

	// Deny list defaults are written out so operators can see and edit them.
	reader := bufio.NewReader(bytes.NewReader(sampleConfig))
	for err != io.EOF {
		var line string
		line, err = reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}

		if strings.Contains(line, "denylist=") {
			for _, expr := range DefaultDenyList {
				if _, err := dest.WriteString("denylist=" + expr + "\n"); err != nil {
					return err
				}
			}
			continue
		}

		if _, err := dest.WriteString(line); err != nil {
			return err
		}
	}

	return nil
}

// AppDataDir returns the default data directory for the application
// on the current operating system.
func AppDataDir(appName string) string {
	dir := "~"
	name := appName

	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		name = "." + appName
	case "darwin":
		dir = "~/Library/Application Support"
	}

	fullPath, err := homedir.Expand(filepath.Join(dir, name))
	if err != nil {
		return filepath.Join(".", name)
	}
	return filepath.Clean(fullPath)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if expanded, err := homedir.Expand(path); err == nil {
		path = expanded
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

func setupLogging(logDir, logLevel string) {
	backendStdout := logging.NewLogBackend(os.Stdout, "", 0)
	backendStdoutFormatter := logging.NewBackendFormatter(backendStdout, stdoutLogFormat)
	if logDir != "" {
		rotator := &lumberjack.Logger{
			Filename:   path.Join(logDir, defaultLogFilename),
			MaxSize:    10, // Megabytes
			MaxBackups: 3,
			MaxAge:     30, // Days
		}

		backendFile := logging.NewLogBackend(rotator, "", 0)
		backendFileFormatter := logging.NewBackendFormatter(backendFile, fileLogFormat)
		logging.SetBackend(backendStdoutFormatter, backendFileFormatter)
	} else {
		logging.SetBackend(backendStdoutFormatter)
	}
	logging.SetLevel(LogLevelMap[strings.ToLower(logLevel)], "")
}

// IPRateLimit returns the hits and window of the source address limiter,
// falling back to the shared ping limit.
func (cfg *Config) IPRateLimit() (uint, time.Duration) {
	return orDefault(cfg.IPRateLimitHits, cfg.IPRateLimitWindow, cfg.PingRateLimitHits, cfg.PingRateLimitWindow)
}

// URLRateLimit returns the hits and window of the client URL limiter,
// falling back to the shared ping limit.
func (cfg *Config) URLRateLimit() (uint, time.Duration) {
	return orDefault(cfg.URLRateLimitHits, cfg.URLRateLimitWindow, cfg.PingRateLimitHits, cfg.PingRateLimitWindow)
}

func orDefault(hits uint, window time.Duration, defHits uint, defWindow time.Duration) (uint, time.Duration) {
	if hits == 0 {
		hits = defHits
	}
	if window == 0 {
		window = defWindow
	}
	return hits, window
}
