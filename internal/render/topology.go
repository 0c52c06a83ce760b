package render

import "fmt"

// PosePoints is the size of the body landmark set shared with the backend.
const PosePoints = 33

type Edge struct {
	A int
	B int
}

// Topology is the set of landmark pairs drawn as connected edges. Landmark
// ids outside [0, Points) are ignored when drawing.
type Topology struct {
	Points int
	Edges  []Edge
}

var poseEdges = [][2]int{
	{11, 12}, {11, 13}, {13, 15}, {15, 17}, {15, 19}, {15, 21}, {12, 14}, {14, 16},
	{16, 18}, {16, 20}, {16, 22}, {11, 23}, {12, 24}, {23, 24}, {23, 25}, {24, 26},
	{25, 27}, {26, 28}, {27, 29}, {28, 30}, {29, 31}, {30, 32}, {27, 31}, {28, 32},
}

// DefaultTopology is the torso and limb skeleton of the 33-point pose model.
func DefaultTopology() Topology {
	topo, err := ParseTopology(poseEdges, PosePoints)
	if err != nil {
		panic(err)
	}
	return topo
}

// ParseTopology builds a Topology from id pairs, typically loaded from config.
func ParseTopology(pairs [][2]int, points int) (Topology, error) {
	if points < 1 {
		return Topology{}, fmt.Errorf("invalid point count %d", points)
	}
	edges := make([]Edge, 0, len(pairs))
	for i, pair := range pairs {
		a, b := pair[0], pair[1]
		if a < 0 || a >= points || b < 0 || b >= points {
			return Topology{}, fmt.Errorf("edge %d (%d,%d) outside [0,%d)", i, a, b, points)
		}
		if a == b {
			return Topology{}, fmt.Errorf("edge %d connects landmark %d to itself", i, a)
		}
		edges = append(edges, Edge{A: a, B: b})
	}
	return Topology{Points: points, Edges: edges}, nil
}

func (t Topology) known(id int) bool {
	return id >= 0 && id < t.Points
}
