package resource

import (
	"fmt"

	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/config"
	"github.com/paguebem/infra/internal/graph"
	"github.com/paguebem/infra/internal/publish"
	"github.com/paguebem/infra/internal/state"
)

// Clients are the AWS APIs the resources call.
type Clients struct {
	ECR       ecriface.ECRAPI
	IAM       iamiface.IAMAPI
	Lambda    lambdaiface.LambdaAPI
	Logs      cloudwatchlogsiface.CloudWatchLogsAPI
	Region    string
	AccountID string
}

// Stack is a validated set of resources and the order they are applied in.
type Stack struct {
	graph     *graph.Graph
	resources map[string]Resource
	order     []string
}

// NewStack validates cfg and builds the deployment's resources.
func NewStack(cfg *config.Config, clients Clients, publisher publish.Publisher, logger *zap.Logger) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return Assemble(
		NewRegistry(cfg, clients.ECR, logger),
		NewBuildTrigger(cfg, clients.ECR, publisher, logger),
		NewExecutionRole(cfg, clients.IAM, logger),
		NewLogGroup(cfg, clients.Logs, clients.Region, clients.AccountID, logger),
		NewFunction(cfg, clients.Lambda, clients.Region, logger),
	)
}

// Assemble wires resources into a graph from their declared dependencies.
func Assemble(resources ...Resource) (*Stack, error) {
	s := &Stack{
		graph:     graph.New(),
		resources: make(map[string]Resource, len(resources)),
	}
	for _, r := range resources {
		if s.graph.Has(r.Address()) {
			return nil, fmt.Errorf("duplicate resource address %q", r.Address())
		}
		s.resources[r.Address()] = r
		s.graph.AddNode(r.Address())
	}
	for _, r := range resources {
		for _, dep := range r.DependsOn() {
			if err := s.graph.AddEdge(dep, r.Address()); err != nil {
				return nil, fmt.Errorf("resource %s: %w", r.Address(), err)
			}
		}
	}
	order, err := s.graph.TopologicalSort()
	if err != nil {
		return nil, err
	}
	s.order = order
	return s, nil
}

func (s *Stack) Get(address string) (Resource, bool) {
	r, ok := s.resources[address]
	return r, ok
}

// Order lists addresses with every dependency before its dependents.
func (s *Stack) Order() []string {
	return append([]string(nil), s.order...)
}

// Reverse lists addresses with every dependent before its dependencies.
func (s *Stack) Reverse() []string {
	out := make([]string, len(s.order))
	for i, addr := range s.order {
		out[len(s.order)-1-i] = addr
	}
	return out
}

func (s *Stack) Graph() *graph.Graph {
	return s.graph
}

// Outputs are the values other stacks consume, read from applied state.
func Outputs(st *state.State) map[string]string {
	out := map[string]string{}
	copyAttr := func(address, attr, output string) {
		if rs := st.Find(address); rs != nil {
			if v, ok := rs.Attributes[attr]; ok && v != "" {
				out[output] = v
			}
		}
	}
	copyAttr(FunctionAddress, "function_name", "function_name")
	copyAttr(FunctionAddress, "function_arn", "function_arn")
	copyAttr(FunctionAddress, "invoke_arn", "invoke_arn")
	copyAttr(RoleAddress, "arn", "role_arn")
	copyAttr(RegistryAddress, "repository_url", "repository_url")
	return out
}
