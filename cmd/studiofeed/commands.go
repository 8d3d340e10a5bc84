package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"StudioFeed/internal/domain"
)

// --- trigger ---

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a production run immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(cmd)
		resp, err := client.post("/slots", nil)
		if err != nil {
			return err
		}
		var slot domain.ScheduledSlot
		if err := decodeJSON(resp, &slot); err != nil {
			return err
		}
		printSuccess("Production started, slot %s", slot.ID)
		return nil
	},
}

// --- slots ---

var slotsCmd = &cobra.Command{
	Use:   "slots [id]",
	Short: "List slots or show one slot as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(cmd)

		if len(args) == 1 {
			resp, err := client.get("/slots/" + args[0])
			if err != nil {
				return err
			}
			var slot domain.ScheduledSlot
			if err := decodeJSON(resp, &slot); err != nil {
				return err
			}
			return printJSON(slot)
		}

		path := "/slots"
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			path += "?status=" + status
		}
		resp, err := client.get(path)
		if err != nil {
			return err
		}
		var slots []domain.ScheduledSlot
		if err := decodeJSON(resp, &slots); err != nil {
			return err
		}
		if len(slots) == 0 {
			fmt.Println("no slots")
			return nil
		}
		for _, s := range slots {
			line := fmt.Sprintf("%s  %-18s %s (%d/%d)",
				s.ID, s.Status, s.CurrentStage, s.StageIndex+1, s.TotalStages)
			if s.Error != nil {
				line += fmt.Sprintf("  [%s: %s]", s.Error.Reason, s.Error.Message)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	slotsCmd.Flags().String("status", "", "filter by status (pending, generating, awaiting_approval, ...)")
}

// --- slot actions ---

func slotActionCmd(use, short, action, okFormat string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <slot-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(cmd)
			resp, err := client.post("/slots/"+args[0]+"/"+action, nil)
			if err != nil {
				return err
			}
			var slot domain.ScheduledSlot
			if err := decodeJSON(resp, &slot); err != nil {
				return err
			}
			printSuccess(okFormat, slot.ID, slot.Status)
			return nil
		},
	}
}

var (
	cancelCmd  = slotActionCmd("cancel", "Cancel a slot", "cancel", "Slot %s cancelled (status %s)")
	retryCmd   = slotActionCmd("retry", "Retry a failed slot", "retry", "Slot %s retried (status %s)")
	approveCmd = slotActionCmd("approve", "Approve a slot awaiting review", "approve", "Slot %s approved (status %s)")
	rejectCmd  = slotActionCmd("reject", "Reject a slot awaiting review", "reject", "Slot %s rejected (status %s)")
)

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent production history",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(cmd)
		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := client.get("/history?limit=" + strconv.Itoa(limit))
		if err != nil {
			return err
		}
		var entries []domain.ProductionHistoryEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no history")
			return nil
		}
		for _, e := range entries {
			pet := ""
			if e.IncludesPet {
				pet = " +pet"
			}
			fmt.Printf("%s  %s / %s%s\n",
				e.Timestamp.Format("2006-01-02 15:04"), e.ScenarioID, e.CompositionID, pet)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum entries to show")
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show variation rules as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(cmd)
		resp, err := client.get("/rules")
		if err != nil {
			return err
		}
		var rules domain.VariationRules
		if err := decodeJSON(resp, &rules); err != nil {
			return err
		}
		return printJSON(rules)
	},
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change schedule settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(cmd)

		enable := cmd.Flags().Changed("auto")
		cadenceSet := cmd.Flags().Changed("cadence")
		if !enable && !cadenceSet {
			resp, err := client.get("/settings")
			if err != nil {
				return err
			}
			var settings domain.ScheduleSettings
			if err := decodeJSON(resp, &settings); err != nil {
				return err
			}
			return printJSON(settings)
		}

		resp, err := client.get("/settings")
		if err != nil {
			return err
		}
		var settings domain.ScheduleSettings
		if err := decodeJSON(resp, &settings); err != nil {
			return err
		}
		if enable {
			settings.AutoProduction, _ = cmd.Flags().GetBool("auto")
		}
		if cadenceSet {
			settings.CadenceMinutes, _ = cmd.Flags().GetInt("cadence")
		}

		resp, err = client.put("/settings", settings)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &settings); err != nil {
			return err
		}
		printSuccess("Settings updated: auto=%v cadence=%dm", settings.AutoProduction, settings.CadenceMinutes)
		return nil
	},
}

func init() {
	settingsCmd.Flags().Bool("auto", false, "enable or disable automatic production")
	settingsCmd.Flags().Int("cadence", 0, "minutes between automatic productions")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
