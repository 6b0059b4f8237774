// Package main provides the CLI entry point for the paired-device relay
// endpoint daemon, run on both the desktop and the mobile side of a pair.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/relaypair/pairrelay/internal/commandproxy"
	"github.com/relaypair/pairrelay/internal/config"
	"github.com/relaypair/pairrelay/internal/deviceid"
	"github.com/relaypair/pairrelay/internal/logging"
	"github.com/relaypair/pairrelay/internal/metrics"
	"github.com/relaypair/pairrelay/internal/pairingflow"
	"github.com/relaypair/pairrelay/internal/relayclient"
	"github.com/relaypair/pairrelay/internal/remotecontrol"
)

var Version = "dev"

const (
	connectWait     = 10 * time.Second
	frameFlushDelay = 300 * time.Millisecond
)

// waitConnected polls client.IsConnected until it reports true or timeout
// elapses, so a one-shot pairing command can block until its single frame
// has a live socket to go out on.
func waitConnected(client *relayclient.Client, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if client.IsConnected() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return client.IsConnected()
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "relayendpoint",
		Short:   "Paired-device relay endpoint",
		Long:    "relayendpoint runs the desktop or mobile side of a pairing relay, deriving end-to-end encrypted sessions and exchanging relay traffic with the server.",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd(), pairCmd(), statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath, role string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay endpoint daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != "desktop" && role != "mobile" {
				return fmt.Errorf("--role must be 'desktop' or 'mobile', got %q", role)
			}

			cfg, err := config.LoadEndpoint(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			m := metrics.NewMetrics()

			id, created, err := deviceid.LoadOrCreate(cfg.Identity.DataDir)
			if err != nil {
				return fmt.Errorf("load device id: %w", err)
			}
			if created {
				log.Info("generated new device id", logging.KeyDeviceID, id.String())
			}

			sessions := relayclient.NewSessionStore(cfg.Identity.DataDir)
			if err := sessions.Load(); err != nil {
				return fmt.Errorf("load session store: %w", err)
			}

			var fsm *remotecontrol.FSM
			var proxy *commandproxy.Proxy
			var caller *commandproxy.Caller
			var client *relayclient.Client
			var pairedPeerMu sync.Mutex
			var pairedPeerID string

			handlers := relayclient.Handlers{
				OnError: func(message string) {
					log.Warn("relay server error", logging.KeyError, message)
				},
				OnDeviceOnline: func(deviceID string) {
					log.Info("peer online", logging.KeyDeviceID, deviceID)
				},
				OnDeviceOffline: func(deviceID string) {
					log.Info("peer offline", logging.KeyDeviceID, deviceID)
					if fsm != nil {
						fsm.PeerDisconnected(deviceID)
					}
				},
				OnPairingAccepted: func(peerDeviceID, _, _ string) {
					pairedPeerMu.Lock()
					pairedPeerID = peerDeviceID
					pairedPeerMu.Unlock()
				},
				OnPairingRevoked: func(deviceID string) {
					log.Info("pairing revoked", logging.KeyDeviceID, deviceID)
				},
				OnRePairRequired: func(peerDeviceID string) {
					log.Warn("session auth failed, re-pairing required", logging.KeyDeviceID, peerDeviceID)
				},
			}

			if role == "desktop" {
				fsm = remotecontrol.New(remotecontrol.Policy{
					AllowRemoteControl: cfg.RemoteControl.AllowRemoteControl,
					UnlockSecret:       cfg.RemoteControl.UnlockSecret,
					AutoLockTimeout:    cfg.RemoteControl.AutoLockTimeout,
				}, func(controller string) {
					log.Info("remote control revoked", logging.KeyDeviceID, controller)
					if client != nil {
						client.SendControlRevoked(controller)
					}
				})

				proxy = commandproxy.New(commandproxy.DefaultWhitelist,
					func(toDeviceID string, resp commandproxy.Response) {
						if client == nil {
							return
						}
						data, err := json.Marshal(resp)
						if err == nil {
							client.SendEncrypted(toDeviceID, data)
						}
					},
					func(toDeviceID string, evt commandproxy.Event) {
						if client == nil {
							return
						}
						data, err := json.Marshal(evt)
						if err == nil {
							client.SendEncrypted(toDeviceID, data)
						}
					},
				)

				handlers.OnControlRequest = func(fromDeviceID, deviceName string) {
					accepted := fsm.HandleControlRequest(fromDeviceID, true)
					log.Info("control request", logging.KeyDeviceID, fromDeviceID, "accepted", accepted)
					if client != nil {
						client.SendControlAck(fromDeviceID, accepted)
					}
				}
				handlers.OnRelayMessage = func(fromDeviceID string, plaintext []byte) {
					proxy.HandleRequest(fromDeviceID, plaintext)
				}
			} else {
				caller = commandproxy.NewCaller(func(req commandproxy.Request) {
					pairedPeerMu.Lock()
					target := pairedPeerID
					pairedPeerMu.Unlock()
					if target == "" || client == nil {
						log.Warn("dropping command request, not paired with a desktop yet")
						return
					}
					data, err := json.Marshal(req)
					if err != nil {
						return
					}
					if err := client.SendEncrypted(target, data); err != nil {
						log.Warn("send command request failed", logging.KeyError, err.Error())
					}
				})

				handlers.OnControlAck = func(fromDeviceID string, accepted bool) {
					log.Info("control ack", logging.KeyDeviceID, fromDeviceID, "accepted", accepted)
				}
				handlers.OnControlRevoked = func(fromDeviceID string) {
					log.Info("control revoked by desktop", logging.KeyDeviceID, fromDeviceID)
				}
				handlers.OnRelayMessage = func(fromDeviceID string, plaintext []byte) {
					var resp commandproxy.Response
					if json.Unmarshal(plaintext, &resp) == nil && resp.ID != "" {
						caller.Deliver(resp)
					}
				}
			}

			client = relayclient.New(cfg.Relay, cfg.Reconnect, id.String(), role, cfg.Identity.DeviceName, sessions, handlers,
				relayclient.WithLogger(log),
				relayclient.WithMetrics(m),
			)

			ctx, cancel := context.WithCancel(context.Background())
			go client.Run(ctx)

			log.Info("relay endpoint running", logging.KeyDeviceRole, role, logging.KeyDeviceID, id.String())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Info("received shutdown signal", "signal", sig.String())

			cancel()
			client.Close()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./relayendpoint.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&role, "role", "r", "desktop", "Device role: desktop or mobile")
	return cmd
}

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pairing helpers",
	}
	cmd.AddCommand(pairBeginCmd(), pairClaimCmd())
	return cmd
}

func pairBeginCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Generate a pairing offer and print its QR payload as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadEndpoint(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			id, _, err := deviceid.LoadOrCreate(cfg.Identity.DataDir)
			if err != nil {
				return fmt.Errorf("load device id: %w", err)
			}

			sessions := relayclient.NewSessionStore(cfg.Identity.DataDir)
			if err := sessions.Load(); err != nil {
				return fmt.Errorf("load session store: %w", err)
			}

			client := relayclient.New(cfg.Relay, cfg.Reconnect, id.String(), "desktop", cfg.Identity.DeviceName, sessions, relayclient.Handlers{})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go client.Run(ctx)

			if !waitConnected(client, connectWait) {
				return fmt.Errorf("could not connect to relay server at %s", cfg.Relay.ServerURL)
			}

			flow := pairingflow.NewDesktopFlow(cfg.Relay.ServerURL, cfg.Relay.Token, id.String(), cfg.Identity.DeviceName, client, sessions)

			payload, err := flow.Begin()
			if err != nil {
				return fmt.Errorf("begin pairing: %w", err)
			}

			data, err := payload.Encode()
			if err != nil {
				return fmt.Errorf("encode qr payload: %w", err)
			}

			time.Sleep(frameFlushDelay)
			client.Close()

			fmt.Println(string(data))
			fmt.Fprintln(os.Stderr, "note: run 'relayendpoint run --role desktop' so this process is online to receive the mobile's claim")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./relayendpoint.yaml", "Path to configuration file")
	return cmd
}

func pairClaimCmd() *cobra.Command {
	var configPath, qrFile string

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim a scanned pairing QR payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadEndpoint(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			var raw []byte
			if qrFile != "" {
				raw, err = os.ReadFile(qrFile)
			} else {
				reader := bufio.NewReader(os.Stdin)
				raw, err = reader.ReadBytes('\n')
				if err != nil && len(raw) == 0 {
					return fmt.Errorf("read qr payload from stdin: %w", err)
				}
				err = nil
			}
			if err != nil {
				return fmt.Errorf("read qr payload: %w", err)
			}

			payload, err := pairingflow.DecodeQRPayload(raw)
			if err != nil {
				return fmt.Errorf("decode qr payload: %w", err)
			}

			id, _, err := deviceid.LoadOrCreate(cfg.Identity.DataDir)
			if err != nil {
				return fmt.Errorf("load device id: %w", err)
			}

			sessions := relayclient.NewSessionStore(cfg.Identity.DataDir)
			if err := sessions.Load(); err != nil {
				return fmt.Errorf("load session store: %w", err)
			}

			mobileCfg := config.RelayConfig{ServerURL: payload.ServerURL, Token: payload.Token}
			client := relayclient.New(mobileCfg, cfg.Reconnect, id.String(), "mobile", cfg.Identity.DeviceName, sessions, relayclient.Handlers{})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go client.Run(ctx)

			if !waitConnected(client, connectWait) {
				return fmt.Errorf("could not connect to relay server at %s", payload.ServerURL)
			}

			flow := pairingflow.NewMobileFlow(id.String(), client, sessions)
			if err := flow.ClaimFromQR(payload); err != nil {
				return fmt.Errorf("claim pairing: %w", err)
			}

			time.Sleep(frameFlushDelay)
			client.Close()

			fmt.Println("pairing claim sent; run 'relayendpoint run --role mobile' to stay online and finish the handshake")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./relayendpoint.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&qrFile, "qr-file", "", "Read the QR payload from a file instead of stdin")
	return cmd
}

func statusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local endpoint state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadEndpoint(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			id, err := deviceid.Load(cfg.Identity.DataDir)
			if err != nil {
				fmt.Println("device id: not yet initialized")
			} else {
				fmt.Printf("device id:   %s\n", id.String())
			}
			fmt.Printf("device name: %s\n", cfg.Identity.DeviceName)
			fmt.Printf("server url:  %s\n", cfg.Relay.ServerURL)

			sessionPath := filepath.Join(cfg.Identity.DataDir, "sessions.json")
			info, err := os.Stat(sessionPath)
			if err != nil {
				fmt.Println("sessions:    none persisted yet")
				return nil
			}
			fmt.Printf("sessions:    %s, last saved %s\n",
				humanize.Bytes(uint64(info.Size())),
				humanize.Time(info.ModTime()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./relayendpoint.yaml", "Path to configuration file")
	return cmd
}
