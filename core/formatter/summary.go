package formatter

import (
	"github.com/artpar/vmkit/core/viewmodel"
)

// ViewOf returns the view of an instance: its class name and its fields in
// declaration order, led by the instance id.
func ViewOf(vm *viewmodel.ViewModel) View {
	return View{
		Name:    vm.Class().Name(),
		Columns: append([]string{"id"}, vm.Fields()...),
	}
}

// Record returns the plain state of an instance with its id.
func Record(vm *viewmodel.ViewModel) map[string]any {
	record := vm.Raw()
	record["id"] = vm.ID()
	return record
}

// SummaryView is the view used for class summaries.
var SummaryView = View{
	Name: "classes",
	Columns: []string{
		"name", "extends", "channel", "template_path",
		"fields", "commands", "queries", "methods", "messages", "subscriptions",
	},
}

// Summarize describes a class: its routes, calls and members.
func Summarize(c *viewmodel.Class) map[string]any {
	def := c.Definition()

	messages := make([]any, 0, len(def.Messages))
	for _, m := range def.Messages {
		messages = append(messages, m.Event+" -> "+m.Route())
	}
	subscriptions := make([]any, 0, len(def.Subscriptions))
	for _, s := range def.Subscriptions {
		subscriptions = append(subscriptions, s.Route()+" -> "+s.Handler)
	}

	return map[string]any{
		"name":          c.Name(),
		"extends":       def.Extends,
		"channel":       def.Channel(),
		"template_path": def.TemplatePath,
		"fields":        anySlice(def.Defaults.Names()),
		"commands":      anySlice(def.Commands.Names()),
		"queries":       anySlice(def.Queries.Names()),
		"methods":       anySlice(c.Methods()),
		"messages":      messages,
		"subscriptions": subscriptions,
	}
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
