package planfile

import (
	"fmt"
	"math/big"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/davidthor/chainctl/pkg/plan"
)

var fileSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "version"},
		{Name: "name"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "step", LabelNames: []string{"id"}},
	},
}

var stepSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "create"},
		{Name: "configure"},
		{Name: "attach"},
		{Name: "address"},
		{Name: "method"},
		{Name: "args"},
	},
}

// ParseHCL decodes an HCL plan document. Each step is a labelled block and
// references are written as the traversal step.<id> (or step.<id>.address).
func ParseHCL(data []byte, filename string) (*Document, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL: %s", diags.Error())
	}

	content, diags := file.Body.Content(fileSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid plan: %s", diags.Error())
	}

	doc := &Document{}
	if doc.Version, diags = stringAttr(content.Attributes["version"]); diags.HasErrors() {
		return nil, fmt.Errorf("version: %s", diags.Error())
	}
	if doc.Name, diags = stringAttr(content.Attributes["name"]); diags.HasErrors() {
		return nil, fmt.Errorf("name: %s", diags.Error())
	}

	for _, block := range content.Blocks.OfType("step") {
		spec, diags := parseStepBlock(block)
		if diags.HasErrors() {
			return nil, fmt.Errorf("step %q: %s", block.Labels[0], diags.Error())
		}
		doc.Steps = append(doc.Steps, spec)
	}
	return doc, nil
}

func parseStepBlock(block *hcl.Block) (StepSpec, hcl.Diagnostics) {
	spec := StepSpec{ID: block.Labels[0]}

	content, diags := block.Body.Content(stepSchema)
	if diags.HasErrors() {
		return spec, diags
	}

	for name, dst := range map[string]*string{
		"create":  &spec.Create,
		"attach":  &spec.Attach,
		"address": &spec.Address,
		"method":  &spec.Method,
	} {
		v, d := stringAttr(content.Attributes[name])
		diags = append(diags, d...)
		*dst = v
	}

	if attr, ok := content.Attributes["configure"]; ok {
		target, d := exprValue(attr.Expr)
		diags = append(diags, d...)
		spec.Configure = &target
	}

	if attr, ok := content.Attributes["args"]; ok {
		exprs, d := hcl.ExprList(attr.Expr)
		diags = append(diags, d...)
		for _, expr := range exprs {
			v, d := exprValue(expr)
			diags = append(diags, d...)
			spec.Args = append(spec.Args, v)
		}
	}
	return spec, diags
}

func stringAttr(attr *hcl.Attribute) (string, hcl.Diagnostics) {
	if attr == nil {
		return "", nil
	}
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return "", diags
	}
	if val.IsNull() || val.Type() != cty.String {
		return "", hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  fmt.Sprintf("%s must be a string", attr.Name),
			Subject:  attr.Expr.Range().Ptr(),
		}}
	}
	return val.AsString(), nil
}

// exprValue converts an expression to a plan value: step.<id> traversals
// become references, tuples become lists, everything else is evaluated as
// a literal.
func exprValue(expr hcl.Expression) (plan.Value, hcl.Diagnostics) {
	if trav, d := hcl.AbsTraversalForExpr(expr); !d.HasErrors() && trav.RootName() == "step" {
		return traversalRef(trav, expr.Range())
	}

	if exprs, d := hcl.ExprList(expr); !d.HasErrors() {
		items := make([]plan.Value, 0, len(exprs))
		var diags hcl.Diagnostics
		for _, e := range exprs {
			v, d := exprValue(e)
			diags = append(diags, d...)
			items = append(items, v)
		}
		return plan.List(items...), diags
	}

	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return plan.Value{}, diags
	}
	lit, err := ctyLiteral(val)
	if err != nil {
		return plan.Value{}, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  err.Error(),
			Subject:  expr.Range().Ptr(),
		}}
	}
	return plan.Literal(lit), nil
}

func traversalRef(trav hcl.Traversal, rng hcl.Range) (plan.Value, hcl.Diagnostics) {
	bad := func(msg string) (plan.Value, hcl.Diagnostics) {
		return plan.Value{}, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "invalid step reference",
			Detail:   msg,
			Subject:  rng.Ptr(),
		}}
	}

	if len(trav) < 2 || len(trav) > 3 {
		return bad("expected step.<id> or step.<id>.address")
	}
	id, ok := trav[1].(hcl.TraverseAttr)
	if !ok {
		return bad("expected step.<id>")
	}
	if len(trav) == 3 {
		if attr, ok := trav[2].(hcl.TraverseAttr); !ok || attr.Name != "address" {
			return bad("steps only expose address")
		}
	}
	return plan.Ref(id.Name), nil
}

func ctyLiteral(val cty.Value) (interface{}, error) {
	if val.IsNull() {
		return nil, fmt.Errorf("null is not supported as an argument")
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	switch val.Type() {
	case cty.String:
		return val.AsString(), nil
	case cty.Bool:
		return val.True(), nil
	case cty.Number:
		bf := val.AsBigFloat()
		if !bf.IsInt() {
			f, _ := bf.Float64()
			return f, nil
		}
		n, _ := bf.Int(nil)
		if n.IsInt64() {
			return n.Int64(), nil
		}
		return new(big.Int).Set(n), nil
	}
	return nil, fmt.Errorf("unsupported value of type %s", val.Type().FriendlyName())
}
