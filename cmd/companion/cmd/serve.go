/*
Copyright © 2018-2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/companion/api/server"
	"github.com/blacktop/companion/internal/config"
	"github.com/blacktop/companion/pkg/target"
	"github.com/blacktop/companion/pkg/usb"
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Interface to listen on")
	serveCmd.Flags().Int("port", 0, "Port to listen on (0 picks an ephemeral port)")
	serveCmd.Flags().Int("afc-port", 0, "Device port the file service is bridged on")
	serveCmd.Flags().StringP("udid", "u", "", "Target device UDID (default is the first attached device)")
	viper.BindPFlag("host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("afc_port", serveCmd.Flags().Lookup("afc-port"))
}

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:           "serve",
	Short:         "Serve one device's capabilities until interrupted",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		udid, _ := cmd.Flags().GetString("udid")
		name := udid
		if udid == "" {
			conn, err := usb.NewConn()
			if err != nil {
				return fmt.Errorf("failed to connect to usbmuxd: %w", err)
			}
			devices, err := conn.ListDevices()
			conn.Close()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				return fmt.Errorf("no devices attached")
			}
			udid = devices[0].UDID
			name = devices[0].SerialNumber
		}

		srv, err := server.New(server.Options{
			Target: target.NewDeviceTarget(udid, name, conf.AFCPort),
			Config: conf,
		})
		if err != nil {
			return err
		}
		port, err := srv.Start().Result()
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"udid": udid,
			"port": port,
		}).Info("companion ready")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrlc.Default.Run(ctx, func() error {
			_, err := srv.Completed().Result()
			return err
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Shutting down...")
				srv.Shutdown()
				if _, err := srv.Completed().Result(); err != nil {
					return err
				}
				return nil
			}
			return err
		}

		return nil
	},
}
