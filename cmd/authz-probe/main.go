package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	transportgrpc "github.com/arklim/iam-access-core/internal/transport/grpc"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gRPC address of the decision service")
	token := flag.String("token", os.Getenv("IAM_ACCESS_TOKEN"), "bearer access token")
	user := flag.String("user", "", "subject user id")
	resource := flag.String("resource", "", "resource")
	action := flag.String("action", "", "action")
	scope := flag.String("scope", "GLOBAL", "assignment scope")
	scopeContext := flag.String("scope-context", "", "tenant or resource id for scoped checks")
	flag.Parse()

	req, err := structpb.NewStruct(map[string]any{
		"user_id":       *user,
		"resource":      *resource,
		"action":        *action,
		"scope":         *scope,
		"scope_context": *scopeContext,
	})
	if err != nil {
		log.Fatalf("build request: %v", err)
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("did not connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if *token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+*token)
	}

	resp, err := transportgrpc.NewDecisionClient(conn).Authorize(ctx, req)
	if err != nil {
		st := status.Convert(err)
		for _, detail := range st.Details() {
			if s, ok := detail.(*structpb.Struct); ok {
				resp = s
			}
		}
		if resp == nil {
			log.Fatalf("Authorize failed: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Authorize returned %s\n", st.Code())
	}

	out, _ := json.MarshalIndent(resp.AsMap(), "", "  ")
	fmt.Println(string(out))
}
