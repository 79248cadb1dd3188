// Command runner-agent dials the server's gRPC stream and, for every
// ExecuteBatch frame it receives, runs the batch against a local
// llama.cpp-style HTTP backend and reports the result. Grounded on the
// teacher's cmd/node-agent: same dial/hello/recv-loop/heartbeat shape,
// specialized to batch dispatch instead of node/model residency
// reporting.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/batchsched/inferq/internal/runner"
)

// safeStream serializes Send calls across the recv loop's executor
// goroutines and the heartbeat ticker; a gRPC client stream does not
// tolerate concurrent Send calls from multiple goroutines.
type safeStream struct {
	mu sync.Mutex
	runner.RunnerControl_StreamClient
}

func (s *safeStream) Send(f *runner.AgentFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RunnerControl_StreamClient.Send(f)
}

func main() {
	runnerID := mustEnv("RUNNER_ID")
	serverAddr := mustEnv("SERVER_GRPC_ADDR")
	backendURL := mustEnv("BACKEND_URL")
	heartbeatSec := envOrInt("HEARTBEAT_SECONDS", 5)

	backend := runner.NewBackend(backendURL)

	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("grpc dial: %v", err)
	}
	defer conn.Close()

	client := runner.NewRunnerControlClient(conn)

	for {
		if err := runOnce(client, backend, runnerID, backendURL, heartbeatSec); err != nil {
			log.Printf("stream ended: %v", err)
		}
		time.Sleep(2 * time.Second)
	}
}

func runOnce(client runner.RunnerControlClient, backend *runner.Backend, runnerID, backendURL string, heartbeatSec int) error {
	ctx := context.Background()
	rawStream, err := client.Stream(ctx)
	if err != nil {
		return fmt.Errorf("stream open: %w", err)
	}
	stream := &safeStream{RunnerControl_StreamClient: rawStream}

	if err := stream.Send(&runner.AgentFrame{Hello: &runner.AgentHello{RunnerID: runnerID, BackendURL: backendURL}}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	recvErr := make(chan error, 1)
	go func() {
		for {
			in, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}

			switch {
			case in.ExecuteBatch != nil:
				go executeAndReply(stream, backend, in.ExecuteBatch)
			case in.Ping != nil:
				// No reply required; the heartbeat ticker below keeps the
				// stream alive.
			}
		}
	}()

	heartbeat := time.NewTicker(time.Duration(heartbeatSec) * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case err := <-recvErr:
			return fmt.Errorf("recv loop: %w", err)
		case <-heartbeat.C:
			if err := stream.Send(&runner.AgentFrame{Hello: &runner.AgentHello{RunnerID: runnerID, BackendURL: backendURL}}); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

func executeAndReply(stream *safeStream, backend *runner.Backend, cmd *runner.ExecuteBatchCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := backend.RunBatch(ctx, cmd.Batch)
	frame := &runner.AgentFrame{BatchResult: &runner.BatchResultFrame{RequestID: cmd.RequestID, Result: result}}
	if err != nil {
		frame.BatchResult.Error = err.Error()
	}
	if sendErr := stream.Send(frame); sendErr != nil {
		log.Printf("send batch result %s: %v", cmd.RequestID, sendErr)
	}
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("missing env: %s", k)
	}
	return v
}

func envOrInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
