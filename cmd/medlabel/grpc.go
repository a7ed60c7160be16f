package main

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
)

// handleGRPCServer serves the command service on addr until ctx is
// cancelled.
func handleGRPCServer(ctx context.Context, addr string, srv *grpc.Server, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		go func() {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				errc <- err
				return
			}
			logger.Printf("gRPC server listening on %q", addr)
			if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down gRPC server at %q", addr)

		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(30 * time.Second):
			srv.Stop()
		}
	}()
}
