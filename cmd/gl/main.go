package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"growline/internal/app"
	"growline/internal/config"
	"growline/internal/db"
	"growline/internal/domain"
	"growline/internal/engine"
	"growline/internal/migrate"
	"growline/internal/repo"
	"growline/internal/server"
	"growline/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Growline CLI",
	Long: `Growline keeps cultivation batch records compliant as batches move
through the fixed lifecycle (preclone -> clone/germination -> hardening ->
vegetative -> flowering -> preharvest -> harvest -> drying -> packing).
Core concepts:
- Workspace: your .growline directory with the database; facility configs
  are stored in the DB and imported explicitly.
- Facility: owns all batches, tasks, templates, mappings and lookups.
- Batches: plant groups with a flat field bag; stages only move forward,
  one step at a time, and each move is recorded in an immutable history.
- Tasks: SOP work items with checklists; a batch cannot leave a stage
  while its stage tasks are open or declared templates are unmet.
- Mappings: copy completed checklist answers into batch fields during a
  transition so data is entered once.
- Event log: diary of changes, view with 'gl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("GROWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("facility", "", "facility id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("facility", rootCmd.PersistentFlags().Lookup("facility"))
}

func registerCommands() {
	rootCmd.AddCommand(facilityCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(mappingCmd())
	rootCmd.AddCommand(lookupCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rbacCmd())
}

func facilityCmd() *cobra.Command {
	fac := &cobra.Command{Use: "facility", Short: "Manage facilities"}
	fac.AddCommand(facilityListCmd())
	fac.AddCommand(facilityCreateCmd())
	fac.AddCommand(facilityShowCmd())
	fac.AddCommand(facilityConfigCmd())
	fac.AddCommand(facilityUseCmd())
	return fac
}

func facilityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List facilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListFacilities(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func facilityCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create facility",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			f, err := e.InitFacility(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(f)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "facility id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func facilityShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a facility",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("facility")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Facility.ID
				}
				f, err := e.Repo.GetFacility(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func facilityUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current facility for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			facilityID := strings.TrimSpace(args[0])
			if facilityID == "" {
				return fmt.Errorf("facility id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "GROWLINE_FACILITY", facilityID); err != nil {
				return err
			}
			fmt.Printf("Set GROWLINE_FACILITY=%s in %s/.env\n", facilityID, workspace)
			return nil
		},
	}
	return cmd
}

func facilityConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage facility config",
	}
	cfg.AddCommand(facilityConfigShowCmd())
	cfg.AddCommand(facilityConfigImportCmd())
	return cfg
}

func facilityConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show facility config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func facilityConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import facility config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			facilityID := cfg.Facility.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if facilityID == "" {
					facilityID = e.Config.Facility.ID
				}
				if err := e.Repo.UpsertFacilityConfig(ctx, facilityID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (default <workspace>/growline.yml)")
	return cmd
}

func statusCmd() *cobra.Command {
	var facilityID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show facility status",
		Long:  "Batch counts per lifecycle stage and how many tasks are still open.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				facilityID = strings.TrimSpace(facilityID)
				if facilityID == "" {
					facilityID = e.Config.Facility.ID
				}
				f, err := e.Repo.GetFacility(ctx, facilityID)
				if err != nil {
					return err
				}
				batches, err := e.Repo.ListBatches(ctx, repo.BatchFilters{FacilityID: facilityID})
				if err != nil {
					return err
				}
				stageCounts := map[string]int{}
				for _, b := range batches {
					if b.Status == "in_progress" {
						stageCounts[b.CurrentStage]++
					}
				}
				pending, err := e.Repo.ListTasks(ctx, repo.TaskFilters{FacilityID: facilityID, Status: "pending"})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"facility_id":   f.ID,
						"status":        f.Status,
						"batch_stages":  stageCounts,
						"pending_tasks": len(pending),
					})
				}
				fmt.Printf("Facility: %s (%s)\n", f.ID, f.Status)
				fmt.Println("Active batches by stage:")
				for _, s := range stage.All() {
					if c := stageCounts[s]; c > 0 {
						fmt.Printf("  %s: %d\n", s, c)
					}
				}
				fmt.Printf("Pending tasks: %d\n", len(pending))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&facilityID, "facility", "", "facility id")
	return cmd
}

func batchCmd() *cobra.Command {
	batch := &cobra.Command{
		Use:   "batch",
		Short: "Manage batches",
		Long:  "Batches are plant groups moving through the fixed stage order. Transitions are gated by stage tasks and require the configured fields for each stage pair.",
	}
	batch.AddCommand(batchCreateCmd())
	batch.AddCommand(batchListCmd())
	batch.AddCommand(batchGetCmd())
	batch.AddCommand(batchUpdateCmd())
	batch.AddCommand(batchTransitionCmd())
	batch.AddCommand(batchGateCmd())
	batch.AddCommand(batchExtractCmd())
	batch.AddCommand(batchHistoryCmd())
	return batch
}

func batchCreateCmd() *cobra.Command {
	var opts engine.BatchCreateOptions
	var fieldsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a batch at the preclone stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			fields, err := parseJSONMap(fieldsJSON)
			if err != nil {
				return fmt.Errorf("--fields-json: %w", err)
			}
			opts.Fields = fields
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.FacilityID == "" {
					opts.FacilityID = e.Config.Facility.ID
				}
				b, err := e.CreateBatch(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "batch id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.FacilityID, "facility", "", "facility id")
	cmd.Flags().StringVar(&opts.BatchNumber, "number", "", "batch number")
	cmd.Flags().StringVar(&opts.Strain, "strain", "", "strain")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "initial fields JSON")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func batchListCmd() *cobra.Command {
	var f repo.BatchFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.FacilityID == "" {
					f.FacilityID = e.Config.Facility.ID
				}
				batches, err := e.Repo.ListBatches(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(batches)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Strain", "Stage", "Status"})
				for _, b := range batches {
					tw.AppendRow(table.Row{b.ID, b.BatchNumber, b.Strain, b.CurrentStage, b.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.FacilityID, "facility", "", "facility id")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func batchGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBatch(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func batchUpdateCmd() *cobra.Command {
	var status, fieldsJSON string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update batch fields or status (stage never moves here)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseJSONMap(fieldsJSON)
			if err != nil {
				return fmt.Errorf("--fields-json: %w", err)
			}
			opts := engine.BatchUpdateOptions{
				BatchID: args[0],
				Fields:  fields,
				Status:  status,
				ActorID: viper.GetString("actor-id"),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.UpdateBatch(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (draft, in_progress, completed, archived)")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "field edits JSON (null value deletes a key)")
	return cmd
}

func batchTransitionCmd() *cobra.Command {
	var expectedStage, fieldsJSON string
	var taskIDs []string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Advance a batch to its next stage",
		Long:  "Checks the task gate, copies mapped checklist answers, fills derived values, validates the configured fields and commits the move with a history row. Use --force to skip the task gate only.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseJSONMap(fieldsJSON)
			if err != nil {
				return fmt.Errorf("--fields-json: %w", err)
			}
			opts := engine.TransitionOptions{
				BatchID:       args[0],
				ExpectedStage: expectedStage,
				Fields:        fields,
				TaskIDs:       taskIDs,
				ActorID:       viper.GetString("actor-id"),
				Force:         viper.GetBool("force"),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, tr, err := e.CommitTransition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"batch": b, "transition": tr})
			})
		},
	}
	cmd.Flags().StringVar(&expectedStage, "expected-stage", "", "fail unless the batch is still in this stage")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "operator field values JSON")
	cmd.Flags().StringArrayVar(&taskIDs, "task", []string{}, "task id to associate (repeatable)")
	return cmd
}

func batchGateCmd() *cobra.Command {
	var taskIDs []string
	cmd := &cobra.Command{
		Use:   "gate <id>",
		Short: "Check whether a batch may leave its stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gate, err := e.EvaluateGate(ctx, id, taskIDs)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gate)
				}
				if gate.Allowed {
					fmt.Println("gate open")
					return nil
				}
				fmt.Println("gate blocked:")
				for _, reason := range gate.Reasons {
					fmt.Printf("  - %s\n", reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&taskIDs, "task", []string{}, "selected task id (repeatable)")
	return cmd
}

func batchExtractCmd() *cobra.Command {
	var taskIDs []string
	cmd := &cobra.Command{
		Use:   "extract <id>",
		Short: "Preview field extraction from completed tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fields, err := e.ExtractPreview(ctx, id, taskIDs)
				if err != nil {
					return err
				}
				return printJSONOrTable(fields)
			})
		},
	}
	cmd.Flags().StringArrayVar(&taskIDs, "task", []string{}, "task id (repeatable)")
	return cmd
}

func batchHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a batch's stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTransitions(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "From", "To", "When", "Actor"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.FromStage, t.ToStage, t.TS, t.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are SOP work items with checklists. Status flows pending -> in_progress -> completed (or cancelled); approval flows draft -> pending_approval -> approved/rejected independently.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskCheckCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var checklist []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Long:  "With --sof the task is seeded from the declared checklist template of that SOF number.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			for i, key := range checklist {
				opts.Checklist = append(opts.Checklist, domain.ChecklistItem{Key: key, Label: key, Position: i + 1})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.FacilityID == "" {
					opts.FacilityID = e.Config.Facility.ID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.FacilityID, "facility", "", "facility id")
	cmd.Flags().StringVar(&opts.BatchID, "batch", "", "batch id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Category, "category", "", "task category")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.LifecycleStage, "stage", "", "lifecycle stage (defaults to the batch's current stage)")
	cmd.Flags().StringVar(&opts.SOFNumber, "sof", "", "seed from checklist template with this SOF number")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringArrayVar(&checklist, "check-item", []string{}, "checklist item key (repeatable)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.FacilityID == "" {
					f.FacilityID = e.Config.Facility.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Status", "Approval", "Checklist"})
				for _, t := range tasks {
					s := ""
					if t.LifecycleStage != nil {
						s = *t.LifecycleStage
					}
					p := t.Progress()
					tw.AppendRow(table.Row{t.ID, t.Title, s, t.Status, t.ApprovalStatus, fmt.Sprintf("%d/%d", p.Completed, p.Total)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.FacilityID, "facility", "", "facility id")
	cmd.Flags().StringVar(&f.BatchID, "batch", "", "batch filter")
	cmd.Flags().StringVar(&f.LifecycleStage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ApprovalStatus, "approval", "", "approval status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, status, approval, assignee string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task status, approval or attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{
				TaskID:  args[0],
				ActorID: viper.GetString("actor-id"),
				Force:   viper.GetBool("force"),
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("approval") {
				opts.ApprovalStatus = &approval
			}
			if cmd.Flags().Changed("assignee-id") {
				opts.AssigneeID = &assignee
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "new status (pending, in_progress, completed, cancelled)")
	cmd.Flags().StringVar(&approval, "approval", "", "new approval status (draft, pending_approval, approved, rejected)")
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee id (empty clears)")
	return cmd
}

func taskCheckCmd() *cobra.Command {
	var answer string
	var undone bool
	cmd := &cobra.Command{
		Use:   "check <task-id> <item-key>",
		Short: "Record a checklist answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			item := domain.ChecklistItem{
				Key:    args[1],
				Done:   !undone,
				Answer: answer,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetChecklistItem(ctx, args[0], item, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&answer, "answer", "", "recorded answer value")
	cmd.Flags().BoolVar(&undone, "undone", false, "mark the item not done")
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage checklist templates",
		Long:  "Templates declare the SOF checklists a stage requires. An active template blocks the stage gate until a matching task is completed.",
	}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateSetActiveCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var tplDef domain.ChecklistTemplate
	var items []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Declare a checklist template",
		RunE: func(cmd *cobra.Command, args []string) error {
			for i, key := range items {
				tplDef.Items = append(tplDef.Items, domain.ChecklistItem{Key: key, Label: key, Position: i + 1})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if tplDef.FacilityID == "" {
					tplDef.FacilityID = e.Config.Facility.ID
				}
				tpl, err := e.SaveTemplate(ctx, tplDef, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tpl)
			})
		},
	}
	cmd.Flags().StringVar(&tplDef.ID, "id", "", "template id (optional)")
	cmd.Flags().StringVar(&tplDef.FacilityID, "facility", "", "facility id")
	cmd.Flags().StringVar(&tplDef.SOFNumber, "sof", "", "SOF number")
	cmd.Flags().StringVar(&tplDef.Name, "name", "", "template name")
	cmd.Flags().StringVar(&tplDef.LifecyclePhase, "phase", "", "lifecycle phase the template applies to")
	cmd.Flags().StringArrayVar(&items, "check-item", []string{}, "checklist item key (repeatable)")
	_ = cmd.MarkFlagRequired("sof")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checklist templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx, e.Config.Facility.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "SOF", "Name", "Phase", "Active"})
				for _, tpl := range items {
					tw.AppendRow(table.Row{tpl.ID, tpl.SOFNumber, tpl.Name, tpl.LifecyclePhase, tpl.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateSetActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <id>",
		Short: "Activate or retire a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpl, err := e.SetTemplateActive(ctx, args[0], active, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tpl)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "active state")
	return cmd
}

func mappingCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mapping",
		Short: "Manage field mappings",
		Long:  "Mappings copy checklist answers from completed tasks into batch fields during a transition. A mapping matches a task by SOF number in the title or by category.",
	}
	m.AddCommand(mappingCreateCmd())
	m.AddCommand(mappingListCmd())
	m.AddCommand(mappingDeleteCmd())
	return m
}

func mappingCreateCmd() *cobra.Command {
	var mDef domain.FieldMapping
	var itemMappings []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a field mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			mDef.ItemMappings = map[string]string{}
			for _, pair := range itemMappings {
				key, field, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("--map must be item_key=batch_field, got %q", pair)
				}
				mDef.ItemMappings[key] = field
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if mDef.FacilityID == "" {
					mDef.FacilityID = e.Config.Facility.ID
				}
				m, err := e.SaveMapping(ctx, mDef, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&mDef.ID, "id", "", "mapping id (optional)")
	cmd.Flags().StringVar(&mDef.FacilityID, "facility", "", "facility id")
	cmd.Flags().StringVar(&mDef.TaskCategory, "category", "", "task category to match")
	cmd.Flags().StringVar(&mDef.SOFNumber, "sof", "", "SOF number to match in task titles")
	cmd.Flags().StringArrayVar(&mDef.ApplicableStages, "stage", []string{}, "stage the mapping applies to (repeatable, empty for all)")
	cmd.Flags().StringArrayVar(&mDef.Fields, "field", []string{}, "whitelist batch field (repeatable, empty for all mapped)")
	cmd.Flags().StringArrayVar(&itemMappings, "map", []string{}, "item_key=batch_field (repeatable)")
	return cmd
}

func mappingListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List field mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMappings(ctx, e.Config.Facility.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func mappingDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a field mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMapping(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func lookupCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "lookup",
		Short: "Manage lookup tables",
		Long:  "Lookups are the valid codes for select fields (clonators, rooms, storage locations). A select field value must name an existing lookup code.",
	}
	l.AddCommand(lookupSetCmd())
	l.AddCommand(lookupListCmd())
	return l
}

func lookupSetCmd() *cobra.Command {
	var lDef domain.Lookup
	var inactive bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update a lookup entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			lDef.Active = !inactive
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if lDef.FacilityID == "" {
					lDef.FacilityID = e.Config.Facility.ID
				}
				l, err := e.SaveLookup(ctx, lDef, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&lDef.FacilityID, "facility", "", "facility id")
	cmd.Flags().StringVar(&lDef.Category, "category", "", "lookup category")
	cmd.Flags().StringVar(&lDef.Code, "code", "", "lookup code")
	cmd.Flags().StringVar(&lDef.Label, "label", "", "display label")
	cmd.Flags().IntVar(&lDef.Position, "position", 0, "sort position")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "mark the entry inactive")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func lookupListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lookup entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListLookups(ctx, e.Config.Facility.ID, category)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Category", "Code", "Label", "Active"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.Category, l.Code, l.Label, l.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	return cmd
}

func stagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Show the lifecycle stage order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(stage.All())
			}
			for i, s := range stage.All() {
				marker := "->"
				if stage.IsTerminal(s) {
					marker = " *"
				}
				fmt.Printf("%2d %s %s\n", i+1, marker, s)
			}
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect facility config",
		Long:  "Config is the rulebook (stored in DB): facility id/kind, lookup categories, per-transition field requirements and the role matrix. Import from growline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: batch moves, task changes, approvals, config edits.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Facility.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacAllowApprovalCmd())
	cmd.AddCommand(rbacDenyApprovalCmd())
	cmd.AddCommand(rbacAPIKeyCmd())
	cmd.AddCommand(rbacBootstrapCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, e.Config.Facility.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Facility.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Facility.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacAllowApprovalCmd() *cobra.Command {
	var role, category string
	cmd := &cobra.Command{
		Use:   "allow-approval",
		Short: "Let a role approve a task category",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || category == "" {
				return fmt.Errorf("--role and --category required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AllowApprovalRole(ctx, e.Config.Facility.ID, viper.GetString("actor-id"), category, role)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&category, "category", "", "task category")
	return cmd
}

func rbacDenyApprovalCmd() *cobra.Command {
	var role, category string
	cmd := &cobra.Command{
		Use:   "deny-approval",
		Short: "Remove a role's approval authority for a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || category == "" {
				return fmt.Errorf("--role and --category required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DenyApprovalRole(ctx, e.Config.Facility.ID, viper.GetString("actor-id"), category, role)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&category, "category", "", "task category")
	return cmd
}

func rbacAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api-key",
		Short: "Manage API keys",
	}
	cmd.AddCommand(rbacAPIKeyCreateCmd())
	cmd.AddCommand(rbacAPIKeyListCmd())
	cmd.AddCommand(rbacAPIKeyRevokeCmd())
	return cmd
}

func rbacAPIKeyCreateCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for an actor (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.MintAPIKey(ctx, e.Config.Facility.ID, viper.GetString("actor-id"), target, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func rbacAPIKeyListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys (hashes are never shown)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, e.Config.Facility.ID, viper.GetString("actor-id"), target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "ACTOR", "NAME", "CREATED"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "filter by actor id")
	return cmd
}

func rbacAPIKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, e.Config.Facility.ID, viper.GetString("actor-id"), args[0])
			})
		},
	}
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bootstrap an actor role without RBAC checks (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			facilityID := strings.TrimSpace(viper.GetString("facility"))
			if facilityID == "" {
				return fmt.Errorf("facility not specified; use --facility or set GROWLINE_FACILITY (gl facility use <id>)")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetFacility(ctx, facilityID); err != nil {
					return err
				}
				cfg, cfgErr := r.GetFacilityConfig(ctx, facilityID)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if cfgErr == nil && cfg != nil {
					if roleDef, ok := cfg.RBAC.Roles[role]; ok {
						if err := r.InsertRole(ctx, tx, role, roleDef.Description); err != nil {
							return err
						}
						for _, perm := range roleDef.Permissions {
							if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
								return err
							}
							if err := r.AddRolePermission(ctx, tx, role, perm); err != nil {
								return err
							}
						}
					} else {
						if err := r.InsertRole(ctx, tx, role, ""); err != nil {
							return err
						}
					}
				} else {
					if err := r.InsertRole(ctx, tx, role, ""); err != nil {
						return err
					}
				}
				if err := r.EnsureActor(ctx, tx, target, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				if err := r.AssignRole(ctx, tx, facilityID, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, nil)
			_, cfg, err := app.ResolveFacilityAndConfig(cmd.Context(), e, viper.GetString("facility"), viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			e = engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("GROWLINE_JWT_SECRET"),
				AllowActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GROWLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Growline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust the X-Actor-Id header (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, nil)
	_, cfg, err := app.ResolveFacilityAndConfig(ctx, e, viper.GetString("facility"), viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseJSONMap(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
