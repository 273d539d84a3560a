package main

import (
	"fmt"
	"strings"

	"relgraph/internal/planner"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// request is the find described by the command-line flags.
type request struct {
	Entity   string
	Populate []string
	Fields   []string
	Where    string
	Order    []string
	Limit    int
	Offset   int
	Execute  bool
}

func defineRequestFlags(fs *pflag.FlagSet, r *request) {
	fs.StringVarP(&r.Entity, "entity", "e", "", "Root entity to find")
	fs.StringSliceVarP(&r.Populate, "populate", "p", nil, "Relation paths to populate (books.tags, author:ref)")
	fs.StringSliceVar(&r.Fields, "fields", nil, "Partial projection paths (name, books.title)")
	fs.StringVarP(&r.Where, "where", "w", "", `Filter as a YAML or JSON list: [{path: name, op: eq, value: Ann}]`)
	fs.StringSliceVarP(&r.Order, "order", "o", nil, "Ordering terms as path[:asc|desc]")
	fs.IntVar(&r.Limit, "limit", 0, "Maximum number of root entities (0 = no limit)")
	fs.IntVar(&r.Offset, "offset", 0, "Number of root entities to skip")
	fs.BoolVarP(&r.Execute, "execute", "x", false, "Run the query and print the entity graph instead of the SQL")
}

type whereTerm struct {
	Path  string      `yaml:"path"`
	Op    string      `yaml:"op"`
	Value interface{} `yaml:"value"`
}

// parseWhere decodes a filter list. JSON input is accepted as YAML.
func parseWhere(raw string) (planner.Filter, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var terms []whereTerm
	if err := yaml.Unmarshal([]byte(raw), &terms); err != nil {
		return nil, fmt.Errorf("invalid --where: %w", err)
	}
	filter := make(planner.Filter, 0, len(terms))
	for i, term := range terms {
		if term.Path == "" {
			return nil, fmt.Errorf("invalid --where: condition %d has no path", i)
		}
		op := term.Op
		if op == "" {
			op = "eq"
		}
		filter = append(filter, planner.Condition{Path: term.Path, Op: op, Value: term.Value})
	}
	return filter, nil
}

func parseOrder(terms []string) ([]planner.OrderHint, error) {
	hints := make([]planner.OrderHint, 0, len(terms))
	for _, term := range terms {
		path, direction, _ := strings.Cut(strings.TrimSpace(term), ":")
		if path == "" {
			continue
		}
		dir, err := planner.ParseDirection(direction)
		if err != nil {
			return nil, err
		}
		hints = append(hints, planner.OrderHint{Path: path, Direction: dir})
	}
	return hints, nil
}

func (r *request) findOptions() (planner.FindOptions, error) {
	where, err := parseWhere(r.Where)
	if err != nil {
		return planner.FindOptions{}, err
	}
	order, err := parseOrder(r.Order)
	if err != nil {
		return planner.FindOptions{}, err
	}
	return planner.FindOptions{
		Populate: planner.ParsePopulate(r.Populate),
		Where:    where,
		OrderBy:  order,
		Fields:   r.Fields,
		Limit:    r.Limit,
		Offset:   r.Offset,
	}, nil
}
