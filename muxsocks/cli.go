package muxsocks

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CLI represents the command-line interface for MuxSocks
type CLI struct {
	rootCmd *cobra.Command
}

// NewCLI creates a new CLI instance
func NewCLI() *CLI {
	cli := &CLI{}
	cli.initCommands()
	return cli
}

// Execute runs the CLI application
func (cli *CLI) Execute() error {
	return cli.rootCmd.Execute()
}

// initCommands initializes all CLI commands and flags
func (cli *CLI) initCommands() {
	cli.rootCmd = &cobra.Command{
		Use:          "muxsocks",
		Short:        "SOCKS5 over WebSocket proxy tool",
		SilenceUsage: true,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("muxsocks version %s %s\n", Version, Platform)
		},
	}

	clientCmd := &cobra.Command{
		Use:          "client",
		Short:        "Start SOCKS5 over WebSocket proxy client",
		RunE:         cli.runClient,
		SilenceUsage: true,
	}

	providerCmd := &cobra.Command{
		Use:          "provider",
		Short:        "Start a reverse proxy provider (alias for client -r)",
		RunE:         cli.runProvider,
		SilenceUsage: true,
	}

	connectorCmd := &cobra.Command{
		Use:          "connector",
		Short:        "Start an agent-mode connector hosting a local SOCKS5 server",
		RunE:         cli.runConnector,
		SilenceUsage: true,
	}

	serverCmd := &cobra.Command{
		Use:          "server",
		Short:        "Start SOCKS5 over WebSocket proxy server",
		RunE:         cli.runServer,
		SilenceUsage: true,
	}

	for _, cmd := range []*cobra.Command{clientCmd, providerCmd, connectorCmd} {
		cmd.Flags().StringP("token", "t", "", "Authentication token")
		cmd.Flags().StringP("url", "u", "ws://localhost:8765", "WebSocket server address")
		cmd.Flags().StringP("socks-host", "s", "127.0.0.1", "SOCKS5 server listen address")
		cmd.Flags().IntP("socks-port", "p", 1080, "SOCKS5 server listen port")
		cmd.Flags().StringP("socks-username", "n", "", "SOCKS5 authentication username")
		cmd.Flags().StringP("socks-password", "w", "", "SOCKS5 authentication password")
		cmd.Flags().BoolP("socks-no-wait", "i", false, "Start the SOCKS server immediately")
		cmd.Flags().IntP("buffer-size", "b", DefaultBufferSize, "Set buffer size for data transfer")
		cmd.Flags().BoolP("fast-open", "f", false, "Acknowledge SOCKS CONNECT before the remote dial completes")
		cmd.Flags().StringP("upstream-proxy", "x", "", "Upstream SOCKS5 proxy socks5://[user:pass@]host:port")
		cmd.Flags().IntP("threads", "T", 1, "Number of parallel WebSocket sessions")
		cmd.Flags().BoolP("no-reconnect", "R", false, "Stop when the server disconnects")
		cmd.Flags().BoolP("no-env-proxy", "E", false, "Ignore proxy environment variables for the WebSocket dial")
		cmd.Flags().String("user-agent", "", "Custom User-Agent for the WebSocket upgrade request")
		cmd.Flags().CountP("debug", "d", "Show debug logs (use -dd for trace logs)")
	}
	clientCmd.Flags().BoolP("reverse", "r", false, "Use reverse socks5 proxy")
	clientCmd.Flags().StringP("connector-token", "c", "", "Register a connector token (reverse mode)")
	providerCmd.Flags().StringP("connector-token", "c", "", "Register a connector token on connect")

	serverCmd.Flags().StringP("ws-host", "H", "0.0.0.0", "WebSocket server listen address")
	serverCmd.Flags().IntP("ws-port", "P", 8765, "WebSocket server listen port")
	serverCmd.Flags().StringP("token", "t", "", "Specify auth token, auto-generate if not provided")
	serverCmd.Flags().StringP("connector-token", "c", "", "Specify connector token for reverse proxy, auto-generate if not provided")
	serverCmd.Flags().BoolP("connector-autonomy", "a", false, "Allow provider clients to manage their own connector tokens")
	serverCmd.Flags().IntP("buffer-size", "b", DefaultBufferSize, "Set buffer size for data transfer")
	serverCmd.Flags().BoolP("reverse", "r", false, "Use reverse socks5 proxy")
	serverCmd.Flags().StringP("socks-host", "s", "127.0.0.1", "SOCKS5 server listen address for reverse proxy")
	serverCmd.Flags().IntP("socks-port", "p", 1080, "SOCKS5 server listen port for reverse proxy")
	serverCmd.Flags().StringP("socks-username", "n", "", "SOCKS5 username for authentication")
	serverCmd.Flags().StringP("socks-password", "w", "", "SOCKS5 password for authentication")
	serverCmd.Flags().BoolP("socks-nowait", "i", false, "Start the SOCKS server immediately")
	serverCmd.Flags().BoolP("fast-open", "f", false, "Acknowledge SOCKS CONNECT before the remote dial completes")
	serverCmd.Flags().StringP("upstream-proxy", "x", "", "Upstream SOCKS5 proxy socks5://[user:pass@]host:port")
	serverCmd.Flags().Bool("upnp", false, "Map reverse SOCKS ports on the gateway via UPnP")
	serverCmd.Flags().CountP("debug", "d", "Show debug logs (use -dd for trace logs)")
	serverCmd.Flags().StringP("api-key", "k", "", "Enable HTTP API with specified key")

	// Bind environment variables
	for _, cmd := range []*cobra.Command{clientCmd, providerCmd, connectorCmd, serverCmd} {
		cmd.Flags().Lookup("token").Usage += " (env: MUXSOCKS_TOKEN)"
		if flag := cmd.Flags().Lookup("connector-token"); flag != nil {
			flag.Usage += " (env: MUXSOCKS_CONNECTOR_TOKEN)"
		}
		cmd.Flags().Lookup("socks-password").Usage += " (env: MUXSOCKS_SOCKS_PASSWORD)"
	}
	_ = viper.BindEnv("token", "MUXSOCKS_TOKEN")
	_ = viper.BindEnv("connector-token", "MUXSOCKS_CONNECTOR_TOKEN")
	_ = viper.BindEnv("socks-password", "MUXSOCKS_SOCKS_PASSWORD")

	cli.rootCmd.AddCommand(clientCmd, providerCmd, connectorCmd, serverCmd, versionCmd)
}

// stringFlag resolves a flag with its viper env fallback.
func stringFlag(cmd *cobra.Command, name string) string {
	if value, _ := cmd.Flags().GetString(name); value != "" {
		return value
	}
	return viper.GetString(name)
}

// socksProxyParts is the decomposed -x/--upstream-proxy value.
type socksProxyParts struct {
	addr     string
	username string
	password string
}

// parseSocksProxy validates and splits a socks5:// URL.
func parseSocksProxy(raw string) (*socksProxyParts, error) {
	if raw == "" {
		return &socksProxyParts{}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream proxy: %w", err)
	}
	if u.Scheme != "socks5" {
		return nil, fmt.Errorf("upstream proxy must use socks5 scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream proxy missing host")
	}
	parts := &socksProxyParts{addr: u.Host}
	if u.User != nil {
		parts.username = u.User.Username()
		parts.password, _ = u.User.Password()
	}
	return parts, nil
}

// buildClientOption assembles a ClientOption from the shared client flags.
func (cli *CLI) buildClientOption(cmd *cobra.Command, reverse, connector bool) (*ClientOption, string, error) {
	token := stringFlag(cmd, "token")
	if token == "" {
		return nil, "", fmt.Errorf("token is required (flag -t or env MUXSOCKS_TOKEN)")
	}

	wsURL, _ := cmd.Flags().GetString("url")
	socksHost, _ := cmd.Flags().GetString("socks-host")
	socksPort, _ := cmd.Flags().GetInt("socks-port")
	socksUsername, _ := cmd.Flags().GetString("socks-username")
	socksPassword := stringFlag(cmd, "socks-password")
	socksNoWait, _ := cmd.Flags().GetBool("socks-no-wait")
	bufferSize, _ := cmd.Flags().GetInt("buffer-size")
	fastOpen, _ := cmd.Flags().GetBool("fast-open")
	upstreamProxy, _ := cmd.Flags().GetString("upstream-proxy")
	threads, _ := cmd.Flags().GetInt("threads")
	noReconnect, _ := cmd.Flags().GetBool("no-reconnect")
	noEnvProxy, _ := cmd.Flags().GetBool("no-env-proxy")
	userAgent, _ := cmd.Flags().GetString("user-agent")
	debug, _ := cmd.Flags().GetCount("debug")

	logger := cli.initLogging(debug)

	upstream, err := parseSocksProxy(upstreamProxy)
	if err != nil {
		return nil, "", err
	}

	opt := DefaultClientOption().
		WithWSURL(wsURL).
		WithReverse(reverse).
		WithConnector(connector).
		WithSocksHost(socksHost).
		WithSocksPort(socksPort).
		WithSocksWaitServer(!socksNoWait).
		WithReconnect(!noReconnect).
		WithNoEnvProxy(noEnvProxy).
		WithThreads(threads).
		WithBufferSize(bufferSize).
		WithFastOpen(fastOpen).
		WithLogger(logger)

	if socksUsername != "" {
		opt.WithSocksUsername(socksUsername)
	}
	if socksPassword != "" {
		opt.WithSocksPassword(socksPassword)
	}
	if userAgent != "" {
		opt.WithUserAgent(userAgent)
	}
	if upstream.addr != "" {
		opt.WithUpstreamProxy(upstream.addr)
		if upstream.username != "" {
			opt.WithUpstreamAuth(upstream.username, upstream.password)
		}
	}

	return opt, token, nil
}

func (cli *CLI) runClient(cmd *cobra.Command, args []string) error {
	reverse, _ := cmd.Flags().GetBool("reverse")
	return cli.runClientMode(cmd, reverse, false)
}

func (cli *CLI) runProvider(cmd *cobra.Command, args []string) error {
	return cli.runClientMode(cmd, true, false)
}

func (cli *CLI) runConnector(cmd *cobra.Command, args []string) error {
	return cli.runClientMode(cmd, false, true)
}

func (cli *CLI) runClientMode(cmd *cobra.Command, reverse, connector bool) error {
	opt, token, err := cli.buildClientOption(cmd, reverse, connector)
	if err != nil {
		return err
	}

	switch {
	case connector:
		setProcessTitle("muxsocks: connector")
	case reverse:
		setProcessTitle("muxsocks: provider")
	default:
		setProcessTitle("muxsocks: client")
	}

	client := NewMuxSocksClient(token, opt)
	defer client.Close()

	if err := client.WaitReady(cmd.Context(), 0); err != nil {
		return err
	}

	connectorToken := ""
	if flag := cmd.Flags().Lookup("connector-token"); flag != nil {
		connectorToken = stringFlag(cmd, "connector-token")
	}
	if connectorToken != "" && reverse {
		if _, err := client.AddConnector(connectorToken); err != nil {
			return fmt.Errorf("failed to add connector token: %w", err)
		}
	}

	select {
	case <-cmd.Context().Done():
		client.Close()
		return cmd.Context().Err()
	case err := <-client.errors:
		return err
	}
}

func (cli *CLI) runServer(cmd *cobra.Command, args []string) error {
	token := stringFlag(cmd, "token")
	connectorToken := stringFlag(cmd, "connector-token")
	wsHost, _ := cmd.Flags().GetString("ws-host")
	wsPort, _ := cmd.Flags().GetInt("ws-port")
	reverse, _ := cmd.Flags().GetBool("reverse")
	socksHost, _ := cmd.Flags().GetString("socks-host")
	socksPort, _ := cmd.Flags().GetInt("socks-port")
	socksUsername, _ := cmd.Flags().GetString("socks-username")
	socksPassword := stringFlag(cmd, "socks-password")
	socksNoWait, _ := cmd.Flags().GetBool("socks-nowait")
	fastOpen, _ := cmd.Flags().GetBool("fast-open")
	upstreamProxy, _ := cmd.Flags().GetString("upstream-proxy")
	enableUPnP, _ := cmd.Flags().GetBool("upnp")
	debug, _ := cmd.Flags().GetCount("debug")
	apiKey, _ := cmd.Flags().GetString("api-key")
	connectorAutonomy, _ := cmd.Flags().GetBool("connector-autonomy")
	bufferSize, _ := cmd.Flags().GetInt("buffer-size")

	logger := cli.initLogging(debug)
	setProcessTitle("muxsocks: server")

	upstream, err := parseSocksProxy(upstreamProxy)
	if err != nil {
		return err
	}

	serverOpt := DefaultServerOption().
		WithWSHost(wsHost).
		WithWSPort(wsPort).
		WithSocksHost(socksHost).
		WithSocksWaitClient(!socksNoWait).
		WithFastOpen(fastOpen).
		WithUPnP(enableUPnP).
		WithLogger(logger).
		WithBufferSize(bufferSize)

	if apiKey != "" {
		serverOpt.WithAPI(apiKey)
	}
	if upstream.addr != "" {
		serverOpt.WithUpstreamProxy(upstream.addr)
		if upstream.username != "" {
			serverOpt.WithUpstreamAuth(upstream.username, upstream.password)
		}
	}

	server := NewMuxSocksServer(serverOpt)

	// Token operations are left to the HTTP API when a key is provided
	if apiKey == "" {
		configTable := table.NewWriter()
		configTable.SetOutputMirror(os.Stdout)
		configTable.AppendHeader(table.Row{"Setting", "Value"})

		if reverse {
			useToken, port, err := server.AddReverseToken(&ReverseTokenOptions{
				Token:                token,
				Port:                 socksPort,
				Username:             socksUsername,
				Password:             socksPassword,
				AllowManageConnector: connectorAutonomy,
			})
			if err != nil {
				return fmt.Errorf("failed to add reverse token: %w", err)
			}
			if port == 0 {
				return fmt.Errorf("cannot allocate SOCKS5 port: %s:%d", socksHost, socksPort)
			}

			var useConnectorToken string
			if !connectorAutonomy {
				useConnectorToken, err = server.AddConnectorToken(connectorToken, useToken)
				if err != nil {
					return fmt.Errorf("failed to add connector token: %w", err)
				}
			}

			configTable.AppendRows([]table.Row{
				{"Mode", "reverse proxy (SOCKS5 on server -> client -> network)"},
				{"Token", useToken},
			})
			if port > 0 {
				configTable.AppendRow(table.Row{"SOCKS5 port", port})
			}
			if !connectorAutonomy {
				configTable.AppendRow(table.Row{"Connector token", useConnectorToken})
			} else {
				configTable.AppendRow(table.Row{"Connector autonomy", "enabled"})
			}
			if socksUsername != "" && socksPassword != "" {
				configTable.AppendRow(table.Row{"SOCKS5 username", socksUsername})
			}
		} else {
			useToken, err := server.AddForwardToken(token)
			if err != nil {
				return fmt.Errorf("failed to add forward token: %w", err)
			}
			configTable.AppendRows([]table.Row{
				{"Mode", "forward proxy (SOCKS5 on client -> server -> network)"},
				{"Token", useToken},
			})
		}
		configTable.Render()
	}

	if err := server.WaitReady(cmd.Context(), 0); err != nil {
		return err
	}

	select {
	case <-cmd.Context().Done():
		server.Close()
		return cmd.Context().Err()
	case err := <-server.errors:
		return err
	}
}

// initLogging sets up zerolog with appropriate level
func (cli *CLI) initLogging(debug int) zerolog.Logger {
	switch debug {
	case 0:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case 1:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	return zerolog.New(output).With().Timestamp().Logger()
}
