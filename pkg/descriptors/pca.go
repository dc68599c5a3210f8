package descriptors

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"shapedesc/internal/models"
)

// ShapePCA holds the principal axis analysis of a mesh's vertex cloud.
type ShapePCA struct {
	// Eigenvalues of the sample covariance, largest first
	Eigenvalues [3]float64

	// Axes are the unit principal directions matching Eigenvalues
	Axes [3]r3.Vec

	MajorAxisLength float64
	MinorAxisLength float64
	LeastAxisLength float64

	// Elongation is minor/major and Flatness least/major, both in [0, 1]
	Elongation float64
	Flatness   float64
}

// smallest eigenvalue ratio accepted as a full-rank cloud
const rankTolerance = 1e-12

// ComputeShapePCA runs a principal component analysis over the mesh
// vertices. The covariance uses n-1 weighting and axis lengths are
// 4·sqrt(λ), as in pyradiomics.
func ComputeShapePCA(mesh *models.SurfaceMesh) (ShapePCA, error) {
	return pcaOfPoints(mesh.Vertices)
}

func pcaOfPoints(points []r3.Vec) (ShapePCA, error) {
	n := len(points)
	if n < 3 {
		return ShapePCA{}, degenerate("%d points are too few for a principal axis analysis", n)
	}

	data := mat.NewDense(n, 3, nil)
	for i, p := range points {
		data.Set(i, 0, p.X)
		data.Set(i, 1, p.Y)
		data.Set(i, 2, p.Z)
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)

	var eig mat.EigenSym
	if ok := eig.Factorize(&cov, true); !ok {
		return ShapePCA{}, degenerate("eigen decomposition of the covariance did not converge")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	order := []int{0, 1, 2}
	sort.Slice(order, func(i, j int) bool { return values[order[i]] > values[order[j]] })

	var res ShapePCA
	for i, idx := range order {
		lambda := values[idx]
		if lambda < 0 {
			// rounding noise on a positive semi-definite matrix
			lambda = 0
		}
		res.Eigenvalues[i] = lambda
		res.Axes[i] = r3.Vec{X: vectors.At(0, idx), Y: vectors.At(1, idx), Z: vectors.At(2, idx)}
	}

	l1, l2, l3 := res.Eigenvalues[0], res.Eigenvalues[1], res.Eigenvalues[2]
	if l1 <= 0 {
		return ShapePCA{}, degenerate("vertex cloud has no spread")
	}
	if l3 <= rankTolerance*l1 {
		return ShapePCA{}, degenerate("vertex cloud is not three-dimensional (eigenvalues %g, %g, %g)", l1, l2, l3)
	}

	res.MajorAxisLength = 4 * math.Sqrt(l1)
	res.MinorAxisLength = 4 * math.Sqrt(l2)
	res.LeastAxisLength = 4 * math.Sqrt(l3)
	res.Elongation = math.Sqrt(l2 / l1)
	res.Flatness = math.Sqrt(l3 / l1)
	return res, nil
}
