package main

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"medlabel/internal/api"
	"medlabel/internal/services"
)

func doGRPC(ctx context.Context, addr string, req *services.ExecuteRequest) (*services.ExecuteResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("could not connect to gRPC server at %s: %w", addr, err)
	}
	defer conn.Close()

	return api.NewCommandClient(conn).Execute(ctx, req)
}
