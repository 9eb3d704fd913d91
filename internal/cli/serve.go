package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zylisp/nrepl/runtime/zylisp"
	"github.com/zylisp/nrepl/server"
)

// NewServeCmd wires the serve command: a Zylisp-backed REPL server.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a REPL server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			srv, err := server.New(server.Config{
				Addr:    viper.GetString("addr"),
				AckPort: viper.GetInt("ack-port"),
				Codec:   viper.GetString("codec"),
				Runtime: zylisp.New(),
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := srv.Start(ctx); err != nil {
				return err
			}
			logger.Info("serving", zap.String("addr", srv.Addr()))

			<-ctx.Done()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			return srv.Stop(stopCtx)
		},
	}

	cmd.Flags().String("addr", ":7888", "TCP address to listen on")
	cmd.Flags().Int("ack-port", 0, "Deliver the bound port to a server on localhost:PORT")
	cmd.Flags().String("codec", "edn", "Message encoding (edn, json, msgpack)")
	viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	viper.BindPFlag("ack-port", cmd.Flags().Lookup("ack-port"))
	viper.BindPFlag("codec", cmd.Flags().Lookup("codec"))

	return cmd
}
