package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vantorsec/opflow/internal/config"
	"github.com/vantorsec/opflow/internal/fabric"
	internal_http "github.com/vantorsec/opflow/internal/http"
	"github.com/vantorsec/opflow/internal/log"
	internal_storage "github.com/vantorsec/opflow/internal/storage"
	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/service"
	"github.com/vantorsec/opflow/pkg/storage"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Postgres connection string (falls back to DB_* env vars)")
	rootCmd.PersistentFlags().String("sqlite", "", "SQLite database path (wins over --db)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cmd)
			defer store.Close()

			svcCfg, err := cfg.ServiceConfig()
			if err != nil {
				fatalf("Invalid engine config: %v", err)
			}
			loopAgents, err := cfg.LoopAgents()
			if err != nil {
				fatalf("Invalid loop agent config: %v", err)
			}

			opts := []service.Option{
				service.WithConfig(svcCfg),
				service.WithLoopAgents(loopAgents...),
			}
			if cfg.Fabric.NATSURL != "" {
				announcer, err := fabric.Connect(cfg.Fabric.NATSURL)
				if err != nil {
					fatalf("Failed to connect to fabric: %v", err)
				}
				defer announcer.Close()
				opts = append(opts, service.WithNotifier(announcer))
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			svc := service.NewOrchestrationService(ctx, store, log.GetLogger(), opts...)
			svc.StartSupervisor(ctx)

			port, _ := cmd.Flags().GetString("port")
			if port == "" {
				port = cfg.Server.Port
			}
			if err := internal_http.StartServer(port, svc); err != nil {
				fatalf("Server stopped: %v", err)
			}
		},
	}
	serveCmd.Flags().String("port", "", "HTTP port (overrides config)")
	serveCmd.Flags().String("config", "", "Path to an opflow.toml config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a workflow definition and wait for it to finish",
		Run: func(cmd *cobra.Command, args []string) {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				fatalf("Missing required flag: --file")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				fatalf("Failed to read %s: %v", file, err)
			}
			def, err := models.ParseWorkflowDefinition(data)
			if err != nil {
				fatalf("Invalid workflow definition: %v", err)
			}
			overrides, err := def.SafetyOverrides.Overrides()
			if err != nil {
				fatalf("Invalid safety overrides: %v", err)
			}

			store := initStore(cmd)
			defer store.Close()
			svc := newService(store)

			result, err := svc.SubmitWorkflow(context.Background(), service.WorkflowSubmission{
				Name:          def.Name,
				Tasks:         def.Tasks,
				AutonomyLevel: def.AutonomyLevel,
				Overrides:     overrides,
				MaxParallel:   def.MaxParallel,
			})
			if err != nil {
				fatalf("Workflow failed: %v", err)
			}
			printResult(result)
			if !result.Success {
				os.Exit(1)
			}
		},
	}
	runCmd.Flags().StringP("file", "f", "", "Workflow definition YAML file")

	workflowsCmd := &cobra.Command{
		Use:   "workflows",
		Short: "List all workflows",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			listWorkflows(newService(store))
		},
	}

	agentsCmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered execution agents",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			listAgents(newService(store))
		},
	}

	registerAgentCmd := &cobra.Command{
		Use:   "register",
		Short: "Register an execution agent",
		Run: func(cmd *cobra.Command, args []string) {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				fatalf("Missing required flag: --id")
			}
			name, _ := cmd.Flags().GetString("name")
			capabilities, _ := cmd.Flags().GetStringSlice("capabilities")
			quality, _ := cmd.Flags().GetInt("quality")
			agentType, _ := cmd.Flags().GetString("type")

			store := initStore(cmd)
			defer store.Close()
			svc := newService(store)
			err := svc.RegisterAgent(models.ExecutionAgent{
				ID:                id,
				Name:              name,
				Capabilities:      capabilities,
				ConnectionQuality: quality,
				Type:              agentType,
			})
			if err != nil {
				fatalf("Failed to register agent: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Registered agent '%s'\n", id)
		},
	}
	registerAgentCmd.Flags().String("id", "", "Agent identifier")
	registerAgentCmd.Flags().String("name", "", "Descriptive name")
	registerAgentCmd.Flags().StringSlice("capabilities", nil, "Advertised capabilities (comma-separated)")
	registerAgentCmd.Flags().Int("quality", 50, "Connection quality 0-100")
	registerAgentCmd.Flags().String("type", "", "Platform type (e.g. linux_implant)")
	agentsCmd.AddCommand(registerAgentCmd)

	auditCmd := &cobra.Command{
		Use:   "audit [workflow-id]",
		Short: "Print the audit trail of a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			listAuditTrail(newService(store), args[0])
		},
	}

	killSwitchCmd := &cobra.Command{
		Use:   "killswitch [workflow-id]",
		Short: "Emergency-cancel a workflow and every task it dispatched",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			reasonFlag, _ := cmd.Flags().GetString("reason")
			details, _ := cmd.Flags().GetString("details")
			reason := models.KillReason(reasonFlag)
			switch reason {
			case models.ManualKillReason, models.TimeoutKillReason, models.CriticalErrorKillReason:
			default:
				fatalf("Unknown kill reason '%s' (use manual, timeout_exceeded or critical_error)", reasonFlag)
			}

			store := initStore(cmd)
			defer store.Close()
			svc := newService(store)
			if err := svc.ActivateKillSwitch(args[0], reason, details); err != nil {
				fatalf("Failed to activate kill switch: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Kill switch activated on workflow %s\n", args[0])
		},
	}
	killSwitchCmd.Flags().String("reason", string(models.ManualKillReason), "Kill reason")
	killSwitchCmd.Flags().String("details", "", "Free-form detail recorded with the event")

	rootCmd.AddCommand(serveCmd, runCmd, workflowsCmd, agentsCmd, auditCmd, killSwitchCmd)
}

func newService(store storage.Store) *service.OrchestrationService {
	return service.NewOrchestrationService(context.Background(), store, log.GetLogger())
}

func printResult(result *models.WorkflowResult) {
	fmt.Fprintf(os.Stdout, "Workflow %s finished: %d/%d tasks completed, %d failed\n",
		result.WorkflowID, result.Completed, result.Total, result.Failed)
	ids := make([]string, 0, len(result.Outcomes))
	for id := range result.Outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		outcome := result.Outcomes[id]
		line := fmt.Sprintf("- %s: %s", id, outcome.Status)
		if outcome.AgentID != "" {
			line += fmt.Sprintf(" (agent %s)", outcome.AgentID)
		}
		if outcome.Error != "" {
			line += fmt.Sprintf(", error: %s", outcome.Error)
		}
		fmt.Fprintln(os.Stdout, line)
	}
}

func listWorkflows(svc *service.OrchestrationService) {
	workflows, err := svc.ListWorkflows()
	if err != nil {
		fatalf("Failed to list workflows: %v", err)
	}
	if len(workflows) == 0 {
		fmt.Fprintf(os.Stdout, "No workflows found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Workflows:\n")
	for _, wf := range workflows {
		fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Status: %s, Autonomy: %d, Created: %s\n",
			wf.ID, wf.Name, wf.Status, wf.AutonomyLevel, wf.CreatedAt.Format(time.RFC3339))
	}
}

func listAgents(svc *service.OrchestrationService) {
	agents, err := svc.ListAgents()
	if err != nil {
		fatalf("Failed to list agents: %v", err)
	}
	if len(agents) == 0 {
		fmt.Fprintf(os.Stdout, "No agents registered.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Agents:\n")
	for _, a := range agents {
		fmt.Fprintf(os.Stdout, "- ID: %s, Status: %s, Quality: %d, Type: %s, Capabilities: %s\n",
			a.ID, a.Status, a.ConnectionQuality, a.Type, strings.Join(a.Capabilities, ","))
	}
}

func listAuditTrail(svc *service.OrchestrationService, workflowID string) {
	entries, err := svc.AuditTrail(workflowID)
	if err != nil {
		fatalf("Failed to list audit entries: %v", err)
	}
	if len(entries) == 0 {
		fmt.Fprintf(os.Stdout, "No audit entries for workflow %s.\n", workflowID)
		return
	}
	for _, e := range entries {
		fmt.Fprintf(os.Stdout, "- %s [%s] %s: %s\n",
			e.CreatedAt.Format(time.RFC3339), e.Severity, e.EventType, e.Message)
	}
}

func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.New()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func initStore(cmd *cobra.Command) storage.Store {
	sqlitePath, _ := cmd.Flags().GetString("sqlite")
	dbConnStr, _ := cmd.Flags().GetString("db")
	if sqlitePath == "" && dbConnStr == "" {
		dbConnStr = connStrFromEnv()
	}
	store, err := internal_storage.InitStore(dbConnStr, sqlitePath)
	if err != nil {
		fatalf("Failed to initialize store: %v", err)
	}
	return store
}

func connStrFromEnv() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		fatalf("Either --sqlite, --db or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func fatalf(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
