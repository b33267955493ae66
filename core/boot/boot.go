// Package boot starts service components in dependency order.
package boot

import (
	"context"
	"fmt"

	"github.com/relabs-tech/fleetcontrol/core/logger"
)

// Component is one startable unit of the service.
type Component struct {
	// Name identifies the component and is referenced by DependsOn.
	Name string
	// DependsOn lists components that must be started first.
	DependsOn []string
	// Start brings the component up. This is mandatory.
	Start func(ctx context.Context) error
	// Stop tears the component down. This is optional.
	Stop func(ctx context.Context) error
}

// Runner starts registered components in topological order and stops
// them in reverse start order.
type Runner struct {
	components []Component
	started    []int
}

// Add registers a component. Registration order breaks ties between
// components with no dependency relation.
func (r *Runner) Add(c Component) {
	if c.Name == "" {
		panic("Name is missing")
	}
	if c.Start == nil {
		panic("Start is missing")
	}
	r.components = append(r.components, c)
}

// Start brings all components up. A dependency cycle or a reference to
// an unknown component is an error before anything is started.
func (r *Runner) Start(ctx context.Context) error {
	order, err := r.order()
	if err != nil {
		return err
	}
	for _, i := range order {
		c := &r.components[i]
		logger.FromContext(ctx).Debugf("starting %s", c.Name)
		if err := c.Start(ctx); err != nil {
			r.Stop(ctx)
			return fmt.Errorf("cannot start %s: %w", c.Name, err)
		}
		r.started = append(r.started, i)
	}
	return nil
}

// Stop tears down all started components in reverse order. Errors are
// logged, teardown always runs to the end.
func (r *Runner) Stop(ctx context.Context) {
	for i := len(r.started) - 1; i >= 0; i-- {
		c := &r.components[r.started[i]]
		if c.Stop == nil {
			continue
		}
		logger.FromContext(ctx).Debugf("stopping %s", c.Name)
		if err := c.Stop(ctx); err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("cannot stop %s", c.Name)
		}
	}
	r.started = nil
}

// order runs Kahn's algorithm over the index-based dependency graph.
func (r *Runner) order() ([]int, error) {
	index := map[string]int{}
	for i := range r.components {
		name := r.components[i].Name
		if _, ok := index[name]; ok {
			return nil, fmt.Errorf("component '%s' is registered twice", name)
		}
		index[name] = i
	}

	inDegree := make([]int, len(r.components))
	dependents := make([][]int, len(r.components))
	for i := range r.components {
		for _, dep := range r.components[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("component '%s' depends on unknown '%s'", r.components[i].Name, dep)
			}
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready, order []int
	for i := range r.components {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, i)
		for _, j := range dependents[i] {
			inDegree[j]--
			if inDegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(order) != len(r.components) {
		var stuck []string
		for i := range r.components {
			if inDegree[i] > 0 {
				stuck = append(stuck, r.components[i].Name)
			}
		}
		return nil, fmt.Errorf("dependency cycle involving %v", stuck)
	}
	return order, nil
}
