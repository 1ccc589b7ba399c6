// Command mbrace-ctl is a thin client for submitting and inspecting
// processes against an mbrace master, grounded on the teacher's
// cmd/test-client/main.go dial setup and restructured around Cobra
// subcommands the way ChuLiYu-raft-recovery's internal/cli exposes
// enqueue/status.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/protocol"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	var masterAddr string

	root := &cobra.Command{
		Use:     "mbrace-ctl",
		Short:   "Submit and inspect processes on an mbrace cluster",
		Version: "dev",
	}
	root.PersistentFlags().StringVar(&masterAddr, "master", "127.0.0.1:50051", "address of the master to talk to")

	root.AddCommand(buildSubmitCommand(&masterAddr))
	root.AddCommand(buildKillCommand(&masterAddr))
	root.AddCommand(buildInfoCommand(&masterAddr))
	root.AddCommand(buildListCommand(&masterAddr))
	root.AddCommand(buildClearCommand(&masterAddr))
	root.AddCommand(buildNodesCommand(&masterAddr))
	root.AddCommand(buildLogsCommand(&masterAddr))
	root.AddCommand(buildShellCommand(&masterAddr))
	return root
}

func dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(protocol.CodecName)),
	)
}

func buildSubmitCommand(masterAddr *string) *cobra.Command {
	var (
		name       string
		bodyPath   string
		returnType string
		clientId   string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new process from a JSON body file",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(bodyPath)
			if err != nil {
				return fmt.Errorf("mbrace-ctl: failed to read body file %s: %w", bodyPath, err)
			}

			conn, err := dial(*masterAddr)
			if err != nil {
				return fmt.Errorf("mbrace-ctl: %w", err)
			}
			defer conn.Close()

			req := &protocol.CreateProcessRequest{
				RequestId:  mbrace.ClientRequestId(fmt.Sprintf("%s-%d", clientId, time.Now().UnixNano())),
				Name:       name,
				Body:       body,
				ReturnType: returnType,
				ClientId:   clientId,
			}
			reply := &protocol.CreateProcessReply{}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := conn.Invoke(ctx, protocol.MethodCreateProcess, req, reply); err != nil {
				return fmt.Errorf("mbrace-ctl: CreateProcess failed: %w", err)
			}
			return printRecord(reply.Record)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable process name")
	cmd.Flags().StringVar(&bodyPath, "body", "", "path to a JSON-encoded process body (required)")
	cmd.Flags().StringVar(&returnType, "return-type", "", "expected return type name")
	cmd.Flags().StringVar(&clientId, "client-id", "mbrace-ctl", "submitting client's id")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func buildKillCommand(masterAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <process-id>",
		Short: "Kill a running process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*masterAddr)
			if err != nil {
				return fmt.Errorf("mbrace-ctl: %w", err)
			}
			defer conn.Close()

			req := &protocol.KillProcessRequest{ProcessId: mbrace.ProcessId(args[0])}
			reply := &protocol.KillProcessReply{}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := conn.Invoke(ctx, protocol.MethodKillProcess, req, reply); err != nil {
				return fmt.Errorf("mbrace-ctl: KillProcess failed: %w", err)
			}
			fmt.Printf("killed %s\n", args[0])
			return nil
		},
	}
}

func buildInfoCommand(masterAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info <process-id>",
		Short: "Show one process's current record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*masterAddr)
			if err != nil {
				return fmt.Errorf("mbrace-ctl: %w", err)
			}
			defer conn.Close()

			req := &protocol.GetProcessInfoRequest{ProcessId: mbrace.ProcessId(args[0])}
			reply := &protocol.GetProcessInfoReply{}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := conn.Invoke(ctx, protocol.MethodGetProcessInfo, req, reply); err != nil {
				return fmt.Errorf("mbrace-ctl: GetProcessInfo failed: %w", err)
			}
			if !reply.Found {
				return fmt.Errorf("mbrace-ctl: no such process %s", args[0])
			}
			return printRecord(reply.Record)
		},
	}
}

func buildListCommand(masterAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every process the master knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*masterAddr)
			if err != nil {
				return fmt.Errorf("mbrace-ctl: %w", err)
			}
			defer conn.Close()

			req := &protocol.GetAllProcessInfoRequest{}
			reply := &protocol.GetAllProcessInfoReply{}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := conn.Invoke(ctx, protocol.MethodGetAllProcessInfo, req, reply); err != nil {
				return fmt.Errorf("mbrace-ctl: GetAllProcessInfo failed: %w", err)
			}
			for _, r := range reply.Records {
				if err := printRecord(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func buildClearCommand(masterAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <process-id>",
		Short: "Drop a terminal process's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*masterAddr)
			if err != nil {
				return fmt.Errorf("mbrace-ctl: %w", err)
			}
			defer conn.Close()

			req := &protocol.ClearProcessInfoRequest{ProcessId: mbrace.ProcessId(args[0])}
			reply := &protocol.ClearProcessInfoReply{}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := conn.Invoke(ctx, protocol.MethodClearProcessInfo, req, reply); err != nil {
				return fmt.Errorf("mbrace-ctl: ClearProcessInfo failed: %w", err)
			}
			fmt.Printf("cleared %s\n", args[0])
			return nil
		},
	}
}

func buildNodesCommand(masterAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List every node attached to the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*masterAddr)
			if err != nil {
				return fmt.Errorf("mbrace-ctl: %w", err)
			}
			defer conn.Close()

			req := &protocol.GetAllNodesRequest{}
			reply := &protocol.GetAllNodesReply{}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := conn.Invoke(ctx, protocol.MethodGetAllNodes, req, reply); err != nil {
				return fmt.Errorf("mbrace-ctl: GetAllNodes failed: %w", err)
			}
			for _, n := range reply.Nodes {
				leader := ""
				if n.IsLeader {
					leader = " (leader)"
				}
				fmt.Printf("%s\t%s\tpermissions=%s%s\n", n.NodeId, n.Addr, n.Permissions, leader)
			}
			return nil
		},
	}
}

func buildLogsCommand(masterAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <process-id>",
		Short: "Dump the Task Log entries recorded for one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*masterAddr)
			if err != nil {
				return fmt.Errorf("mbrace-ctl: %w", err)
			}
			defer conn.Close()
			return fetchAndPrintTaskLog(conn, mbrace.ProcessId(args[0]))
		},
	}
}

func fetchAndPrintTaskLog(conn *grpc.ClientConn, processId mbrace.ProcessId) error {
	req := &protocol.GetTaskLogSnapshotRequest{ProcessId: processId}
	reply := &protocol.GetTaskLogSnapshotReply{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Invoke(ctx, protocol.MethodGetTaskLogSnapshot, req, reply); err != nil {
		return fmt.Errorf("mbrace-ctl: GetTaskLogSnapshot failed: %w", err)
	}
	if !reply.Found {
		return fmt.Errorf("mbrace-ctl: no such process %s", processId)
	}
	for _, e := range reply.Entries {
		fmt.Printf("%s\tworker=%s\tparent=%s\n", e.TaskId, e.Worker.Id, e.ParentTaskId)
	}
	return nil
}

// buildShellCommand opens an interactive REPL against one master,
// generalizing master/internal/cli.CLI's bufio.Reader command loop onto
// chzyer/readline for history and line editing, and dispatching to the
// same kill/info/list/clear/nodes/logs operations the non-interactive
// subcommands expose; submit is not available in the shell.
func buildShellCommand(masterAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive session against a master",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(*masterAddr)
		},
	}
}

func runShell(masterAddr string) error {
	conn, err := dial(masterAddr)
	if err != nil {
		return fmt.Errorf("mbrace-ctl: %w", err)
	}
	defer conn.Close()

	rl, err := readline.New("mbrace> ")
	if err != nil {
		return fmt.Errorf("mbrace-ctl: failed to start shell: %w", err)
	}
	defer rl.Close()

	fmt.Println("mbrace-ctl interactive shell. Type 'help' for commands, 'exit' to quit.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mbrace-ctl: shell read error: %w", err)
		}

		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		if err := dispatchShellCommand(conn, fields); err != nil {
			if err == errShellExit {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errShellExit = fmt.Errorf("mbrace-ctl: exit requested")

func dispatchShellCommand(conn *grpc.ClientConn, fields []string) error {
	switch fields[0] {
	case "help":
		fmt.Println("commands: info <id>, list, kill <id>, clear <id>, nodes, logs <id>, exit")
		return nil
	case "exit", "quit":
		return errShellExit
	case "info":
		if len(fields) < 2 {
			return fmt.Errorf("usage: info <process-id>")
		}
		req := &protocol.GetProcessInfoRequest{ProcessId: mbrace.ProcessId(fields[1])}
		reply := &protocol.GetProcessInfoReply{}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Invoke(ctx, protocol.MethodGetProcessInfo, req, reply); err != nil {
			return err
		}
		if !reply.Found {
			return fmt.Errorf("no such process %s", fields[1])
		}
		return printRecord(reply.Record)
	case "list":
		req := &protocol.GetAllProcessInfoRequest{}
		reply := &protocol.GetAllProcessInfoReply{}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Invoke(ctx, protocol.MethodGetAllProcessInfo, req, reply); err != nil {
			return err
		}
		for _, r := range reply.Records {
			if err := printRecord(r); err != nil {
				return err
			}
		}
		return nil
	case "kill":
		if len(fields) < 2 {
			return fmt.Errorf("usage: kill <process-id>")
		}
		req := &protocol.KillProcessRequest{ProcessId: mbrace.ProcessId(fields[1])}
		reply := &protocol.KillProcessReply{}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Invoke(ctx, protocol.MethodKillProcess, req, reply); err != nil {
			return err
		}
		fmt.Printf("killed %s\n", fields[1])
		return nil
	case "clear":
		if len(fields) < 2 {
			return fmt.Errorf("usage: clear <process-id>")
		}
		req := &protocol.ClearProcessInfoRequest{ProcessId: mbrace.ProcessId(fields[1])}
		reply := &protocol.ClearProcessInfoReply{}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Invoke(ctx, protocol.MethodClearProcessInfo, req, reply); err != nil {
			return err
		}
		fmt.Printf("cleared %s\n", fields[1])
		return nil
	case "nodes":
		req := &protocol.GetAllNodesRequest{}
		reply := &protocol.GetAllNodesReply{}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Invoke(ctx, protocol.MethodGetAllNodes, req, reply); err != nil {
			return err
		}
		for _, n := range reply.Nodes {
			leader := ""
			if n.IsLeader {
				leader = " (leader)"
			}
			fmt.Printf("%s\t%s\tpermissions=%s%s\n", n.NodeId, n.Addr, n.Permissions, leader)
		}
		return nil
	case "logs":
		if len(fields) < 2 {
			return fmt.Errorf("usage: logs <process-id>")
		}
		return fetchAndPrintTaskLog(conn, mbrace.ProcessId(fields[1]))
	default:
		return fmt.Errorf("unknown command %q, type 'help'", fields[0])
	}
}

func printRecord(r protocol.ProcessRecord) error {
	out := struct {
		Id         mbrace.ProcessId `json:"id"`
		Name       string           `json:"name"`
		State      string           `json:"state"`
		ReturnType string           `json:"return_type"`
		InitTime   *time.Time       `json:"init_time,omitempty"`
		ExecTime   *time.Time       `json:"exec_time,omitempty"`
		Result     *mbrace.Result   `json:"result,omitempty"`
	}{Id: r.Id, Name: r.Name, State: r.State, ReturnType: r.ReturnType, Result: r.Result}
	if r.InitTime != nil {
		t := r.InitTime.AsTime()
		out.InitTime = &t
	}
	if r.ExecTime != nil {
		t := r.ExecTime.AsTime()
		out.ExecTime = &t
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
