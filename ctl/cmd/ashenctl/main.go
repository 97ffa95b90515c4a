package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ashen-realm/ctl/internal/render"
	"ashen-realm/shared/cachex"
	"ashen-realm/shared/config"
	"ashen-realm/shared/events"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/mqx"
)

var rootCmd = &cobra.Command{
	Use:   "ashenctl",
	Short: "Ashen Realm relay CLI",
	Long: `ashenctl talks to the Ashen Realm relay directly over RabbitMQ.
- setup declares the exchange, the service queues with their dead-letter queues and the auxiliary queues.
- message, invade and bonfire publish events the same way the gateway does; --wait blocks for the correlated reply.
- status reports the broker connection; invasions and watch read the invader service's state.
- bonfire --wait is answered by the gamemaster service.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ASHENCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("rabbitmq-url", "", "broker url (overrides RABBITMQ_URL)")
	rootCmd.PersistentFlags().String("exchange", "", "topic exchange name")
	rootCmd.PersistentFlags().String("invader-url", "", "invader service base url")
	rootCmd.PersistentFlags().String("redis-addr", "", "redis address for watch")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "connect and reply timeout")
	for _, name := range []string{"rabbitmq-url", "exchange", "invader-url", "redis-addr", "json", "timeout"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(invadeCmd())
	rootCmd.AddCommand(bonfireCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(invasionsCmd())
	rootCmd.AddCommand(watchCmd())
}

// loadConfig reads the shared service settings and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, problems := config.Load("ashenctl", 8080)
	if len(problems) > 0 {
		msgs := make([]string, 0, len(problems))
		for _, p := range problems {
			msgs = append(msgs, p.Field+": "+p.Message)
		}
		return cfg, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if v := viper.GetString("rabbitmq-url"); v != "" {
		cfg.RabbitMQURL = v
	}
	if v := viper.GetString("exchange"); v != "" {
		cfg.ExchangeName = v
	}
	if v := viper.GetString("invader-url"); v != "" {
		cfg.InvaderURL = strings.TrimRight(v, "/")
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.RedisAddr = v
	}
	return cfg, nil
}

func timeout() time.Duration {
	if d := viper.GetDuration("timeout"); d > 0 {
		return d
	}
	return 10 * time.Second
}

// withBus connects once without reconnecting and hands fn a ready bus.
func withBus(ctx context.Context, topology func(config.Config) mqx.Topology, fn func(ctx context.Context, cfg config.Config, bus *mqx.Bus) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager := mqx.NewManager(mqx.Options{
		URL:      cfg.RabbitMQURL,
		Topology: topology(cfg),
		Prefetch: cfg.ConsumerPrefetch,
		Logger:   logx.Nop(),
	})
	connectCtx, cancel := context.WithTimeout(ctx, timeout())
	err = manager.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer manager.Close()
	return fn(ctx, cfg, mqx.NewBus(manager, timeout(), logx.Nop()))
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Declare exchange, queues, bindings and dead-letter queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			topology := func(cfg config.Config) mqx.Topology { return mqx.DefaultTopology(cfg).WithAuxiliary() }
			return withBus(cmd.Context(), topology, func(ctx context.Context, cfg config.Config, bus *mqx.Bus) error {
				t := topology(cfg)
				if viper.GetBool("json") {
					return render.JSON(os.Stdout, t)
				}
				render.Topology(os.Stdout, t)
				return nil
			})
		},
	}
}

// publish sends event to queue, or waits for the correlated reply when wait is set.
func publish(ctx context.Context, bus *mqx.Bus, queue string, event mqx.Identified, wait bool) error {
	if !wait {
		if err := bus.Send(ctx, queue, event); err != nil {
			return err
		}
		if viper.GetBool("json") {
			return render.JSON(os.Stdout, event)
		}
		fmt.Printf("sent %s to %s\n", event.EventID(), queue)
		return nil
	}
	reply, err := bus.Request(ctx, queue, event)
	if err != nil {
		return err
	}
	var body events.Reply
	if err := reply.Decode(&body); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if viper.GetBool("json") {
		return render.JSON(os.Stdout, body)
	}
	render.Reply(os.Stdout, body)
	return nil
}

func messageCmd() *cobra.Command {
	var sender, zone string
	var wait bool
	cmd := &cobra.Command{
		Use:   "message <text>",
		Short: "Leave a message for the realm",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(sender) == "" {
				return errors.New("--sender required")
			}
			ev := events.NewMessage(sender, strings.Join(args, " "), zone)
			return withBus(cmd.Context(), mqx.DefaultTopology, func(ctx context.Context, cfg config.Config, bus *mqx.Bus) error {
				return publish(ctx, bus, cfg.QueueMessages, ev, wait)
			})
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "message author")
	cmd.Flags().StringVar(&zone, "zone", "", "zone (defaults to Unknown Realm)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the invader's reply")
	return cmd
}

func invadeCmd() *cobra.Command {
	var invader, zone, covenant string
	var wait bool
	cmd := &cobra.Command{
		Use:   "invade <target>",
		Short: "Invade another player's world",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(invader) == "" {
				return errors.New("--invader required")
			}
			ev := events.NewInvasion(invader, args[0], zone, covenant)
			return withBus(cmd.Context(), mqx.DefaultTopology, func(ctx context.Context, cfg config.Config, bus *mqx.Bus) error {
				return publish(ctx, bus, cfg.QueueInvasions, ev, wait)
			})
		},
	}
	cmd.Flags().StringVar(&invader, "invader", "", "invading player")
	cmd.Flags().StringVar(&zone, "zone", "", "zone (defaults to Unknown Realm)")
	cmd.Flags().StringVar(&covenant, "covenant", "", "covenant (defaults to Darkwraith)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the invasion confirmation")
	return cmd
}

func bonfireCmd() *cobra.Command {
	var player, zone string
	var wait bool
	cmd := &cobra.Command{
		Use:   "bonfire <name>",
		Short: "Light a bonfire",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(player) == "" {
				return errors.New("--player required")
			}
			ev := events.NewBonfire(player, args[0], zone)
			return withBus(cmd.Context(), mqx.DefaultTopology, func(ctx context.Context, cfg config.Config, bus *mqx.Bus) error {
				return publish(ctx, bus, cfg.QueueEvents, ev, wait)
			})
		},
	}
	cmd.Flags().StringVar(&player, "player", "", "player lighting the bonfire")
	cmd.Flags().StringVar(&zone, "zone", "", "zone (defaults to Firelink Shrine)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the game master's blessing")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show broker connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBus(cmd.Context(), mqx.DefaultTopology, func(ctx context.Context, cfg config.Config, bus *mqx.Bus) error {
				st := bus.Manager().Status()
				if viper.GetBool("json") {
					return render.JSON(os.Stdout, st)
				}
				render.Status(os.Stdout, st)
				return nil
			})
		},
	}
}

func invasionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invasions",
		Short: "List active invasions and recent resolutions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout())
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.InvaderURL+"/api/invasions", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("invader service returned %s", resp.Status)
			}
			var snap render.Snapshot
			if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
				return fmt.Errorf("decode invasions: %w", err)
			}
			if viper.GetBool("json") {
				return render.JSON(os.Stdout, snap)
			}
			render.Invasions(os.Stdout, snap, time.Now())
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream invasion resolutions published to redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" {
				return errors.New("redis address required (--redis-addr or REDIS_ADDR)")
			}
			cache, err := cachex.New(cfg)
			if err != nil {
				return err
			}
			defer cache.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			stream, err := cache.Subscribe(ctx, cachex.ChannelInvasionResolved)
			if err != nil {
				return err
			}
			for payload := range stream {
				if viper.GetBool("json") {
					fmt.Println(string(payload))
					continue
				}
				var ev events.InvasionResolved
				if err := json.Unmarshal(payload, &ev); err != nil {
					fmt.Fprintln(os.Stderr, "skipping malformed payload:", err)
					continue
				}
				fmt.Println(render.Resolution(ev))
			}
			return nil
		},
	}
}
