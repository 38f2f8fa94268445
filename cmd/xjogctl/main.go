// Command xjogctl is a thin HTTP client for a running xjogd's introspection
// surface: list instances, inspect a chart, or check adoption status.
//
// Grounded on cli/consumer.go's subcommand-plus-flag shape (each verb its
// own cobra.Command, flags bound through viper), adapted here to a
// read-only REST client instead of a queue consumer.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "xjogctl",
	Short: "inspects a running xjog engine over its introspection HTTP surface",
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8090", "xjogd introspection base URL")
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	instancesCmd := &cobra.Command{Use: "instances"}
	instancesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list every registered engine instance",
		RunE:  runInstancesList,
	})

	chartsCmd := &cobra.Command{Use: "charts"}
	chartsCmd.AddCommand(&cobra.Command{
		Use:   "inspect <machineId> <chartId>",
		Short: "show one chart's current state",
		Args:  cobra.ExactArgs(2),
		RunE:  runChartsInspect,
	})
	chartsCmd.AddCommand(&cobra.Command{
		Use:   "adopt-status",
		Short: "show how many instances are registered (a proxy for adoption progress)",
		RunE:  runInstancesList,
	})

	rootCmd.AddCommand(instancesCmd, chartsCmd)
}

func client() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func getJSON(path string, out any) error {
	url := viper.GetString("server") + path
	resp, err := client().Get(url)
	if err != nil {
		return fmt.Errorf("xjogctl: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("xjogctl: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("xjogctl: GET %s: %s: %s", url, resp.Status, string(body))
	}
	return json.Unmarshal(body, out)
}

func runInstancesList(cmd *cobra.Command, args []string) error {
	var instances []map[string]any
	if err := getJSON("/instances", &instances); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(instances)
}

func runChartsInspect(cmd *cobra.Command, args []string) error {
	machineID, chartID := args[0], args[1]
	var chart map[string]any
	if err := getJSON(fmt.Sprintf("/charts/%s/%s", machineID, chartID), &chart); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(chart)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
