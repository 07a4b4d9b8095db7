package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fiscalgate/internal/app"
	"fiscalgate/internal/analytics"
	"fiscalgate/internal/config"
	"fiscalgate/internal/db"
	"fiscalgate/internal/domain"
	"fiscalgate/internal/engine"
	"fiscalgate/internal/repo"
	"fiscalgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fg",
	Short: "Fiscalgate CLI",
	Long: `Fiscalgate runs tax-incentive engagements through a phase-gated delivery
pipeline and reports funnel and delivery analytics.
- Workspace: the .fiscalgate directory holding the database; fiscalgate.yml
  next to it carries server, analytics and RBAC settings.
- Project: one engagement for one company, moving through the sales funnel
  (prospeccao ... fechamento, then ganho or perdido).
- Pipeline: seven fixed delivery phases per project. A phase is approved at
  its gate and the next one opens automatically.
- Outputs: append-only content snapshots per phase, ai drafts and human
  edits kept separately; the newest human edit wins for display.
- Executions: one generation run at a time per phase, tracked start to
  finish.
- Event log: every pipeline change on record, view with 'fg log tail'.`,
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
	viper.SetEnvPrefix("FISCALGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(companyCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(outputCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func companyCmd() *cobra.Command {
	c := &cobra.Command{Use: "company", Short: "Manage companies"}
	c.AddCommand(companyCreateCmd())
	c.AddCommand(companyListCmd())
	return c
}

func companyCreateCmd() *cobra.Command {
	var id, name, cnpj string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a company",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c := domain.Company{
					ID:        id,
					Name:      name,
					CNPJ:      cnpj,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if c.ID == "" {
					c.ID = newID()
				}
				if err := e.Repo.InsertCompany(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "company id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "company name")
	cmd.Flags().StringVar(&cnpj, "cnpj", "", "CNPJ")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func companyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List companies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCompanies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "CNPJ"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.CNPJ})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, companyID, status string
	var dealValue float64
	var probability int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || companyID == "" {
				return fmt.Errorf("--name and --company required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetCompany(ctx, companyID); err != nil {
					return err
				}
				if status == "" {
					status = domain.FunnelStages[0]
				}
				if !domain.ActiveStatus(status) {
					return fmt.Errorf("status must be a live funnel stage")
				}
				now := time.Now().UTC().Format(time.RFC3339)
				p := domain.Project{
					ID:          id,
					Name:        name,
					CompanyID:   companyID,
					Status:      status,
					DealValue:   dealValue,
					Probability: probability,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if p.ID == "" {
					p.ID = newID()
				}
				if err := e.Repo.InsertProject(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&companyID, "company", "", "company id")
	cmd.Flags().StringVar(&status, "status", "", "funnel stage (default prospeccao)")
	cmd.Flags().Float64Var(&dealValue, "deal-value", 0, "deal value in BRL")
	cmd.Flags().IntVar(&probability, "probability", 0, "win probability (0-100)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func projectListCmd() *cobra.Command {
	var status, companyID string
	var active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{
					Status:     status,
					CompanyID:  companyID,
					ActiveOnly: active,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Deal Value", "Prob %"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.DealValue, p.Probability})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "funnel stage filter")
	cmd.Flags().StringVar(&companyID, "company", "", "company id filter")
	cmd.Flags().BoolVar(&active, "active", false, "only live funnel stages")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, status, lastContacted, nextAction, nextActivity string
	var dealValue float64
	var probability int
	cmd := &cobra.Command{
		Use:   "update <project-id>",
		Short: "Update a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u := repo.ProjectUpdate{UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
				if cmd.Flags().Changed("name") {
					u.Name = &name
				}
				if cmd.Flags().Changed("status") {
					u.Status = &status
				}
				if cmd.Flags().Changed("deal-value") {
					u.DealValue = &dealValue
				}
				if cmd.Flags().Changed("probability") {
					u.Probability = &probability
				}
				if cmd.Flags().Changed("last-contacted") {
					u.LastContactedDate = &lastContacted
				}
				if cmd.Flags().Changed("next-action") {
					u.NextActionDate = &nextAction
				}
				if cmd.Flags().Changed("next-activity") {
					u.NextActivityDate = &nextActivity
				}
				if err := e.Repo.UpdateProject(ctx, args[0], u); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&status, "status", "", "funnel stage or ganho/perdido")
	cmd.Flags().Float64Var(&dealValue, "deal-value", 0, "deal value in BRL")
	cmd.Flags().IntVar(&probability, "probability", 0, "win probability (0-100)")
	cmd.Flags().StringVar(&lastContacted, "last-contacted", "", "last contact timestamp (RFC3339, empty clears)")
	cmd.Flags().StringVar(&nextAction, "next-action", "", "next action timestamp (RFC3339, empty clears)")
	cmd.Flags().StringVar(&nextActivity, "next-activity", "", "next activity timestamp (RFC3339, empty clears)")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteProject(ctx, args[0])
			})
		},
	}
	return cmd
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{Use: "pipeline", Short: "Manage the delivery pipeline"}
	p.AddCommand(pipelineInitCmd())
	p.AddCommand(pipelineStatusCmd())
	p.AddCommand(pipelineApproveCmd())
	p.AddCommand(pipelineSetStatusCmd())
	p.AddCommand(pipelineAssignCmd())
	return p
}

func pipelineInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <project-id>",
		Short: "Initialize the seven delivery phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phases, err := e.InitializePipeline(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printPhases(phases)
			})
		},
	}
	return cmd
}

func pipelineStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show pipeline phases and current phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phases, err := e.Repo.ListPhases(ctx, args[0])
				if err != nil {
					return err
				}
				current := engine.CurrentPhase(phases)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project_id":    args[0],
						"current_phase": current,
						"phases":        phases,
					})
				}
				fmt.Printf("Current phase: %d (%s)\n", current, domain.PhaseName(current))
				return printPhases(phases)
			})
		},
	}
	return cmd
}

func pipelineApproveCmd() *cobra.Command {
	var phase int
	cmd := &cobra.Command{
		Use:   "approve <project-id>",
		Short: "Approve a phase gate and open the next phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.ApprovePhase(ctx, args[0], phase, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase number (1-7)")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func pipelineSetStatusCmd() *cobra.Command {
	var phase int
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <project-id>",
		Short: "Manually set a phase status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.SetPhaseStatus(ctx, args[0], phase, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase number (1-7)")
	cmd.Flags().StringVar(&status, "status", "", "not_started, in_progress, review or approved")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func pipelineAssignCmd() *cobra.Command {
	var phase int
	var agentID string
	var clear bool
	cmd := &cobra.Command{
		Use:   "assign <project-id>",
		Short: "Assign or clear the agent on a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var target *string
				if !clear {
					if agentID == "" {
						return fmt.Errorf("--agent required (or --clear)")
					}
					target = &agentID
				}
				ph, err := e.AssignAgent(ctx, args[0], phase, target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase number (1-7)")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the assignment")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func outputCmd() *cobra.Command {
	o := &cobra.Command{Use: "output", Short: "Manage phase outputs"}
	o.AddCommand(outputSaveCmd())
	o.AddCommand(outputLatestCmd())
	o.AddCommand(outputHistoryCmd())
	return o
}

func outputSaveCmd() *cobra.Command {
	var phase int
	var version, content, file string
	cmd := &cobra.Command{
		Use:   "save <project-id>",
		Short: "Save a phase output snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if content == "" && file == "" {
				return fmt.Errorf("--content or --file required")
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				content = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.SaveOutput(ctx, args[0], phase, version, content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase number (1-7)")
	cmd.Flags().StringVar(&version, "version", "human", "ai or human")
	cmd.Flags().StringVar(&content, "content", "", "output content")
	cmd.Flags().StringVar(&file, "file", "", "read content from file")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func outputLatestCmd() *cobra.Command {
	var phase int
	cmd := &cobra.Command{
		Use:   "latest <project-id>",
		Short: "Show the latest ai and human snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				latest, err := e.LatestOutputs(ctx, args[0], phase)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"ai":      latest.AI,
					"human":   latest.Human,
					"display": latest.Display(),
				})
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase number (1-7)")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func outputHistoryCmd() *cobra.Command {
	var phase int
	cmd := &cobra.Command{
		Use:   "history <project-id>",
		Short: "Show the full snapshot history for a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOutputs(ctx, args[0], phase)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "By", "At"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Version, o.CreatedBy, o.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase number (1-7)")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{Use: "agent", Short: "Manage agents"}
	a.AddCommand(agentCreateCmd())
	a.AddCommand(agentListCmd())
	a.AddCommand(agentShowCmd())
	a.AddCommand(agentUpdateCmd())
	return a
}

func agentCreateCmd() *cobra.Command {
	var id, name, persona, instructions, model, status string
	var temperature float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				a := domain.Agent{
					ID:           id,
					Name:         name,
					Persona:      persona,
					Instructions: instructions,
					Temperature:  temperature,
					Model:        model,
					Status:       status,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if a.ID == "" {
					a.ID = newID()
				}
				if a.Status == "" {
					a.Status = "draft"
				}
				if err := e.Repo.InsertAgent(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&persona, "persona", "", "persona")
	cmd.Flags().StringVar(&instructions, "instructions", "", "instructions")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.2, "sampling temperature")
	cmd.Flags().StringVar(&model, "model", "", "model identifier")
	cmd.Flags().StringVar(&status, "status", "", "active, inactive or draft")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgents(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Model", "Status"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Model, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agentUpdateCmd() *cobra.Command {
	var name, persona, instructions, model, status string
	var temperature float64
	cmd := &cobra.Command{
		Use:   "update <agent-id>",
		Short: "Update an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u := repo.AgentUpdate{UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
				if cmd.Flags().Changed("name") {
					u.Name = &name
				}
				if cmd.Flags().Changed("persona") {
					u.Persona = &persona
				}
				if cmd.Flags().Changed("instructions") {
					u.Instructions = &instructions
				}
				if cmd.Flags().Changed("temperature") {
					u.Temperature = &temperature
				}
				if cmd.Flags().Changed("model") {
					u.Model = &model
				}
				if cmd.Flags().Changed("status") {
					u.Status = &status
				}
				if err := e.Repo.UpdateAgent(ctx, args[0], u); err != nil {
					return err
				}
				a, err := e.Repo.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&persona, "persona", "", "persona")
	cmd.Flags().StringVar(&instructions, "instructions", "", "instructions")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature")
	cmd.Flags().StringVar(&model, "model", "", "model identifier")
	cmd.Flags().StringVar(&status, "status", "", "active, inactive or draft")
	return cmd
}

func execCmd() *cobra.Command {
	ex := &cobra.Command{Use: "exec", Short: "Manage phase executions"}
	ex.AddCommand(execStartCmd())
	ex.AddCommand(execCompleteCmd())
	ex.AddCommand(execListCmd())
	ex.AddCommand(execStaleCmd())
	return ex
}

func execStartCmd() *cobra.Command {
	var phase int
	var agentID string
	cmd := &cobra.Command{
		Use:   "start <project-id>",
		Short: "Start a phase execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.StartExecution(ctx, args[0], phase, agentID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase number (1-7)")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func execCompleteCmd() *cobra.Command {
	var status, execErr string
	cmd := &cobra.Command{
		Use:   "complete <execution-id>",
		Short: "Complete a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.CompleteExecution(ctx, args[0], status, execErr, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "completed", "completed or failed")
	cmd.Flags().StringVar(&execErr, "error", "", "error message for failed runs")
	return cmd
}

func execListCmd() *cobra.Command {
	var phase int
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List executions for a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListExecutions(ctx, args[0], phase)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Agent", "Started", "Completed"})
				for _, x := range items {
					completed := ""
					if x.CompletedAt != nil {
						completed = *x.CompletedAt
					}
					tw.AppendRow(table.Row{x.ID, x.Status, x.AgentID, x.StartedAt, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase number (1-7)")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func execStaleCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List running executions older than the cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cutoff := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute).Format(time.RFC3339)
				items, err := e.Repo.StaleExecutions(ctx, cutoff)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 30, "age cutoff in minutes")
	return cmd
}

func analyticsCmd() *cobra.Command {
	an := &cobra.Command{Use: "analytics", Short: "Delivery and funnel analytics"}
	an.AddCommand(analyticsSummaryCmd())
	an.AddCommand(analyticsVolumeCmd())
	an.AddCommand(analyticsWeightedCmd())
	an.AddCommand(analyticsQualityCmd())
	an.AddCommand(analyticsFunnelCmd())
	return an
}

func withAggregator(ctx context.Context, fn func(context.Context, analytics.Aggregator) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, analytics.New(e.Repo, e.Config))
	})
}

func analyticsSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Attention dashboard: stalled, overdue, monthly goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAggregator(cmd.Context(), func(ctx context.Context, agg analytics.Aggregator) error {
				s, err := agg.Summary(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func analyticsVolumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Project volume by current phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAggregator(cmd.Context(), func(ctx context.Context, agg analytics.Aggregator) error {
				items, err := agg.VolumeByPhase(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Name", "Projects", "Deal Value"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.PhaseNumber, v.Name, v.Projects, v.DealValue})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func analyticsWeightedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weighted",
		Short: "Probability-weighted pipeline forecast",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAggregator(cmd.Context(), func(ctx context.Context, agg analytics.Aggregator) error {
				wp, err := agg.WeightedPipeline(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(wp)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Projects", "Value", "Weighted"})
				for _, s := range wp.Stages {
					tw.AppendRow(table.Row{s.Stage, s.Projects, s.Value, s.Weighted})
				}
				tw.AppendFooter(table.Row{"total", "", "", wp.Total})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func analyticsQualityCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Rework rate and first-pass yield",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAggregator(cmd.Context(), func(ctx context.Context, agg analytics.Aggregator) error {
				m, err := agg.Quality(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "restrict to one project")
	return cmd
}

func analyticsFunnelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "funnel",
		Short: "Funnel reach and win conversion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAggregator(cmd.Context(), func(ctx context.Context, agg analytics.Aggregator) error {
				f, err := agg.Funnel(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func rbacCmd() *cobra.Command {
	r := &cobra.Command{Use: "rbac", Short: "Manage roles"}
	r.AddCommand(rbacAssignCmd())
	r.AddCommand(rbacRevokeCmd())
	return r
}

func rbacAssignCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a configured role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Auth.AssignRole(ctx, actor, role)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Auth.RevokeRole(ctx, actor, role)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.EnsureActor(ctx, actor); err != nil {
					return err
				}
				plaintext, err := repo.GenerateAPIKey()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        newID(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fiscalgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, closeDB, err := app.OpenEngine(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer closeDB()
			cfg := e.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Server.JWTSecret,
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			}
			if secret := os.Getenv("FISCALGATE_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("FISCALGATE_JWT_SECRET is required when the legacy actor header is disabled")
			}
			handler, stopHooks, err := server.New(server.Config{
				Engine:    e,
				Analytics: analytics.New(e.Repo, cfg),
				BasePath:  basePath,
				Auth:      authCfg,
			})
			if err != nil {
				return err
			}
			defer stopHooks()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fiscalgate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeDB, err := app.OpenEngine(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, e)
}

func printPhases(phases []domain.ProjectPhase) error {
	if viper.GetBool("json") {
		return printJSON(phases)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Phase", "Status", "Agent", "Approved By"})
	for _, ph := range phases {
		agent, approvedBy := "", ""
		if ph.AgentID != nil {
			agent = *ph.AgentID
		}
		if ph.ApprovedBy != nil {
			approvedBy = *ph.ApprovedBy
		}
		tw.AppendRow(table.Row{ph.PhaseNumber, ph.Name, ph.Status, agent, approvedBy})
	}
	tw.Render()
	return nil
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

func newID() string {
	return uuid.New().String()
}
