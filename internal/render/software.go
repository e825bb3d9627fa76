package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/pose"
)

// MeshColor is the light blue used for body meshes.
var MeshColor = color.NRGBA{R: 166, G: 189, B: 219, A: 255}

// SoftwareBackend rasterizes meshes on the CPU with flat-shaded triangles
// drawn far to near.
type SoftwareBackend struct {
	Color color.NRGBA
	// Opacity of the mesh in [0,1].
	Opacity float64
	// Ambient is the minimum shading factor for faces edge-on to the light.
	Ambient float64
}

// NewSoftwareBackend returns a backend with the default mesh appearance.
func NewSoftwareBackend() *SoftwareBackend {
	return &SoftwareBackend{Color: MeshColor, Opacity: 0.85, Ambient: 0.35}
}

func (b *SoftwareBackend) Name() string { return "software" }

// Probe draws a single triangle on a scratch canvas.
func (b *SoftwareBackend) Probe() error {
	mesh := &pose.MeshGeometry{
		Vertices: []r3.Vec{{X: -1, Y: -1}, {X: 1, Y: -1}, {X: 0, Y: 1}},
		Faces:    [][3]int{{0, 1, 2}},
	}
	intr := geometry.NewIntrinsics(8, geometry.ImageSize{Width: 8, Height: 8})
	img, err := b.RenderToPixels(mesh, geometry.FullImageCamera{TZ: 4}, intr)
	if err != nil {
		return err
	}
	if img.RGBAAt(4, 4).A == 0 {
		return fmt.Errorf("probe triangle was not drawn")
	}
	return nil
}

type triangle struct {
	pts   [3]r2.Vec
	depth float64
	shade float64
}

// RenderToPixels implements Backend.
func (b *SoftwareBackend) RenderToPixels(mesh *pose.MeshGeometry, cam geometry.FullImageCamera, intr geometry.Intrinsics) (*image.RGBA, error) {
	if intr.Width <= 0 || intr.Height <= 0 {
		return nil, fmt.Errorf("invalid viewport %dx%d", intr.Width, intr.Height)
	}
	if err := mesh.Validate(); err != nil {
		return nil, err
	}

	projected := geometry.ProjectVertices(mesh.Vertices, cam, intr)
	t := cam.Vec()
	toCamera := r3.Vec{Z: -1}

	tris := make([]triangle, 0, len(mesh.Faces))
	for _, f := range mesh.Faces {
		var tri triangle
		ok := true
		for k, idx := range f {
			p := projected[idx]
			if math.IsNaN(p.X) || math.IsNaN(p.Y) {
				ok = false
				break
			}
			tri.pts[k] = p
		}
		if !ok {
			continue
		}
		p0 := r3.Add(mesh.Vertices[f[0]], t)
		p1 := r3.Add(mesh.Vertices[f[1]], t)
		p2 := r3.Add(mesh.Vertices[f[2]], t)
		n := r3.Cross(r3.Sub(p1, p0), r3.Sub(p2, p0))
		if r3.Norm(n) == 0 {
			continue
		}
		intensity := math.Abs(r3.Dot(r3.Unit(n), toCamera))
		tri.shade = b.Ambient + (1-b.Ambient)*intensity
		tri.depth = (p0.Z + p1.Z + p2.Z) / 3
		tris = append(tris, tri)
	}
	sort.SliceStable(tris, func(i, j int) bool { return tris[i].depth > tris[j].depth })

	// UseImage fixes both size and resolution (vgimg.DefaultDPI, one point
	// per pixel); combining it with UseDPI panics.
	c := vgimg.NewWith(
		vgimg.UseImage(image.NewRGBA(image.Rect(0, 0, intr.Width, intr.Height))),
		vgimg.UseBackgroundColor(color.Transparent),
	)
	h := float64(intr.Height)
	alpha := uint8(math.Round(clamp01(b.Opacity) * 255))
	for _, tri := range tris {
		c.SetColor(color.NRGBA{
			R: uint8(float64(b.Color.R) * tri.shade),
			G: uint8(float64(b.Color.G) * tri.shade),
			B: uint8(float64(b.Color.B) * tri.shade),
			A: alpha,
		})
		var path vg.Path
		// Canvas y grows upward.
		path.Move(vg.Point{X: vg.Length(tri.pts[0].X), Y: vg.Length(h - tri.pts[0].Y)})
		path.Line(vg.Point{X: vg.Length(tri.pts[1].X), Y: vg.Length(h - tri.pts[1].Y)})
		path.Line(vg.Point{X: vg.Length(tri.pts[2].X), Y: vg.Length(h - tri.pts[2].Y)})
		path.Close()
		c.Fill(path)
	}

	out, ok := c.Image().(*image.RGBA)
	if !ok {
		src := c.Image()
		out = image.NewRGBA(src.Bounds())
		draw.Draw(out, out.Bounds(), src, src.Bounds().Min, draw.Src)
	}
	return out, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
