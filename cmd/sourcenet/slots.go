package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/internal/registry"
	"github.com/signalsfoundry/sourcenet-core/internal/savegame"
	"github.com/signalsfoundry/sourcenet-core/internal/scenario"
	"github.com/signalsfoundry/sourcenet-core/internal/sim"
)

var saveCmd = &cobra.Command{
	Use:   "save <slot> <scenario.json>",
	Short: "Seed a save slot from a scenario file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := sim.New(sim.WithLogger(log))
		if err != nil {
			return err
		}
		defer w.Close()

		sc, err := scenario.LoadFile(args[1])
		if err != nil {
			return err
		}
		if _, err := w.ApplyScenario(cmd.Context(), sc); err != nil {
			log.Warn(cmd.Context(), "scenario applied with errors", logging.Err(err))
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Save(cmd.Context(), args[0], w.Clock.Now(), w.Registry.Snapshot()); err != nil {
			return err
		}
		n, d, f := w.Registry.Counts()
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s: %d networks, %d devices, %d file systems\n", args[0], n, d, f)
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <slot>",
	Short: "Restore a save slot and summarise it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		w, err := sim.New(sim.WithLogger(log))
		if err != nil {
			return err
		}
		defer w.Close()

		slot, err := store.Restore(cmd.Context(), w.Registry, args[0])
		if err != nil && !errors.Is(err, savegame.ErrCorruptSlot) {
			return err
		}

		out := cmd.OutOrStdout()
		if err != nil {
			fmt.Fprintf(out, "slot %s is corrupt; loaded an empty world\n", args[0])
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NETWORK\tADDRESS\tSTATE\tDEVICES\tACCESSIBLE")
		for _, n := range w.Registry.ListNetworks() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
				n.NetworkID,
				n.Address,
				n.State(),
				len(w.Registry.GetNetworkDevices(n.NetworkID)),
				len(w.Registry.GetAccessibleDevices(n.NetworkID)),
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "game time %s\n", slot.GameTime.Format(time.RFC3339))
		return nil
	},
}

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "List save slots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		slots, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SLOT\tSAVED\tGAME TIME\tNETWORKS\tDEVICES\tFILE SYSTEMS")
		for _, s := range slots {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
				s.Name,
				s.SavedAt.Local().Format(time.DateTime),
				s.GameTime.Format(time.DateTime),
				s.Networks,
				s.Devices,
				s.FileSystems,
			)
		}
		return tw.Flush()
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <slot>",
	Short: "Delete a save slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		deleted, err := store.Delete(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: %s", savegame.ErrSlotNotFound, args[0])
		}
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print a world as snapshot JSON",
	Long: `Inspect loads a scenario file (--scenario) or a save slot (--slot), or
a scenario on top of a slot when both are given, and prints the resulting
registry snapshot as JSON.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scenarioPath, _ := cmd.Flags().GetString("scenario")
		slot, _ := cmd.Flags().GetString("slot")
		if scenarioPath == "" && slot == "" {
			return errors.New("inspect needs --scenario or --slot")
		}

		w, err := sim.New(sim.WithLogger(log))
		if err != nil {
			return err
		}
		defer w.Close()

		if slot != "" {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if _, err := store.Restore(cmd.Context(), w.Registry, slot); err != nil && !errors.Is(err, savegame.ErrCorruptSlot) {
				return err
			}
		}
		if scenarioPath != "" {
			sc, err := scenario.LoadFile(scenarioPath)
			if err != nil {
				return err
			}
			if _, err := w.ApplyScenario(cmd.Context(), sc); err != nil {
				log.Warn(cmd.Context(), "scenario applied with errors", logging.Err(err))
			}
		}

		data, err := registry.EncodeSnapshot(w.Registry.Snapshot())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

func init() {
	inspectCmd.Flags().String("scenario", "", "scenario JSON file")
	inspectCmd.Flags().String("slot", "", "save slot name")
}

func openStore() (*savegame.Store, error) {
	return savegame.Open(cfg.SaveDB, savegame.WithLogger(log))
}
