package boot

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestStartRespectsDependencies(t *testing.T) {
	var order []string
	add := func(r *Runner, name string, deps ...string) {
		r.Add(Component{
			Name:      name,
			DependsOn: deps,
			Start: func(ctx context.Context) error {
				order = append(order, name)
				return nil
			},
		})
	}

	var r Runner
	add(&r, "api", "store", "cache")
	add(&r, "store", "database")
	add(&r, "database")
	add(&r, "cache")

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	position := map[string]int{}
	for i, name := range order {
		position[name] = i
	}
	if len(order) != 4 {
		t.Fatalf("expected 4 started components, got %v", order)
	}
	if position["database"] > position["store"] {
		t.Error("database must start before store")
	}
	if position["store"] > position["api"] || position["cache"] > position["api"] {
		t.Error("api must start last")
	}
}

func TestStopReversesStartOrder(t *testing.T) {
	var stopped []string
	var r Runner
	for _, name := range []string{"a", "b", "c"} {
		name := name
		deps := []string{}
		if name == "b" {
			deps = []string{"a"}
		}
		if name == "c" {
			deps = []string{"b"}
		}
		r.Add(Component{
			Name:      name,
			DependsOn: deps,
			Start:     func(ctx context.Context) error { return nil },
			Stop: func(ctx context.Context) error {
				stopped = append(stopped, name)
				return nil
			},
		})
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.Stop(context.Background())
	if strings.Join(stopped, "") != "cba" {
		t.Fatalf("expected reverse stop order cba, got %v", stopped)
	}
}

func TestCycleIsAnError(t *testing.T) {
	var r Runner
	noop := func(ctx context.Context) error { return nil }
	r.Add(Component{Name: "a", DependsOn: []string{"b"}, Start: noop})
	r.Add(Component{Name: "b", DependsOn: []string{"a"}, Start: noop})

	err := r.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected a cycle error, got %v", err)
	}
}

func TestUnknownDependencyIsAnError(t *testing.T) {
	var r Runner
	r.Add(Component{Name: "a", DependsOn: []string{"ghost"}, Start: func(ctx context.Context) error { return nil }})

	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected an error for an unknown dependency")
	}
}

func TestFailedStartStopsWhatRan(t *testing.T) {
	var stopped []string
	var r Runner
	r.Add(Component{
		Name:  "database",
		Start: func(ctx context.Context) error { return nil },
		Stop: func(ctx context.Context) error {
			stopped = append(stopped, "database")
			return nil
		},
	})
	r.Add(Component{
		Name:      "api",
		DependsOn: []string{"database"},
		Start:     func(ctx context.Context) error { return errors.New("port in use") },
	})

	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected the start error to surface")
	}
	if strings.Join(stopped, "") != "database" {
		t.Fatalf("expected the started component to be stopped, got %v", stopped)
	}
}
