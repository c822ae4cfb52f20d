package tensor

import (
	"github.com/pkg/errors"
)

// Backward computes gradients of the scalar t with respect to every leaf
// tensor that requires them. Gradients accumulate into Grad() until ZeroGrad.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return errors.Errorf("backward requires a scalar tensor, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return errors.New("tensor does not require grad")
	}

	order := topologicalOrder(t)

	seed, err := Ones(t.Shape)
	if err != nil {
		return errors.Wrap(err, "failed to seed gradient")
	}
	grads := map[*Tensor]*Tensor{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if err := accumulateLeaf(node, g); err != nil {
				return err
			}
			continue
		}

		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return errors.Wrapf(err, "backward through %T failed", node.creator)
		}

		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return errors.Errorf("%T returned %d gradients for %d inputs", node.creator, len(inputGrads), len(inputs))
		}

		for j, in := range inputs {
			ig := inputGrads[j]
			if in == nil || ig == nil || !in.requiresGrad {
				continue
			}
			if !shapesEqual(ig.Shape, in.Shape) {
				return errors.Errorf("%T produced gradient of shape %v for input of shape %v",
					node.creator, ig.Shape, in.Shape)
			}
			if existing := grads[in]; existing != nil {
				sum, err := addRaw(existing, ig)
				if err != nil {
					return err
				}
				grads[in] = sum
			} else {
				grads[in] = ig
			}
		}
	}

	return nil
}

// topologicalOrder returns the graph reachable from root with every node
// placed after all of its inputs.
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if n == nil || visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(root)

	return order
}

func accumulateLeaf(leaf, g *Tensor) error {
	if leaf.grad == nil {
		c, err := g.Clone()
		if err != nil {
			return err
		}
		leaf.grad = c
		return nil
	}
	for i := range leaf.grad.Data {
		leaf.grad.Data[i] += g.Data[i]
	}
	return nil
}

// addRaw adds two same-shaped tensors without recording the op
func addRaw(a, b *Tensor) (*Tensor, error) {
	if !shapesEqual(a.Shape, b.Shape) {
		return nil, errors.Errorf("tensor shapes must match: %v vs %v", a.Shape, b.Shape)
	}
	out, err := empty(a.Shape)
	if err != nil {
		return nil, err
	}
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}
